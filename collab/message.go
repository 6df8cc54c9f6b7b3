package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageKind string

const (
	MessageKindCellUpdate MessageKind = "cell_update"
	MessageKindFocus      MessageKind = "focus"
	MessageKindStructural MessageKind = "structural"
)

// tagged union of the message kinds carried on a document topic.
// exactly one of the payload fields is set, matching `Kind`.
type Envelope struct {
	Kind       MessageKind       `json:"kind"`
	CellUpdate *CellUpdate       `json:"cell_update,omitempty"`
	Focus      *FocusUpdate      `json:"focus,omitempty"`
	Structural *StructuralUpdate `json:"structural,omitempty"`
}

func NewCellUpdateEnvelope(update *CellUpdate) *Envelope {
	return &Envelope{
		Kind:       MessageKindCellUpdate,
		CellUpdate: update,
	}
}

func NewFocusEnvelope(focus *FocusUpdate) *Envelope {
	return &Envelope{
		Kind:  MessageKindFocus,
		Focus: focus,
	}
}

func NewStructuralEnvelope(structural *StructuralUpdate) *Envelope {
	return &Envelope{
		Kind:       MessageKindStructural,
		Structural: structural,
	}
}

// the tab id of the sender. One user can have multiple open tabs,
// each a legitimate independent editor, so the tab id and not the
// user id is the echo suppression key.
func (self *Envelope) TabId() Id {
	switch self.Kind {
	case MessageKindCellUpdate:
		return self.CellUpdate.TabId
	case MessageKindFocus:
		return self.Focus.TabId
	case MessageKindStructural:
		return self.Structural.TabId
	default:
		return Id{}
	}
}

func (self *Envelope) DocumentId() string {
	switch self.Kind {
	case MessageKindCellUpdate:
		return self.CellUpdate.DocumentId
	case MessageKindFocus:
		return self.Focus.DocumentId
	case MessageKindStructural:
		return self.Structural.DocumentId
	default:
		return ""
	}
}

func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case MessageKindCellUpdate:
		if env.CellUpdate == nil {
			return nil, fmt.Errorf("cell_update envelope missing payload")
		}
	case MessageKindFocus:
		if env.Focus == nil {
			return nil, fmt.Errorf("focus envelope missing payload")
		}
	case MessageKindStructural:
		if env.Structural == nil {
			return nil, fmt.Errorf("structural envelope missing payload")
		}
	default:
		return nil, fmt.Errorf("unknown envelope kind: %s", env.Kind)
	}
	return env, nil
}

// one field edit
type CellUpdate struct {
	DocumentId string    `json:"document_id"`
	ItemId     string    `json:"item_id"`
	Field      string    `json:"field"`
	Value      any       `json:"value"`
	UserId     Id        `json:"user_id"`
	TabId      Id        `json:"tab_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (self *CellUpdate) FieldKey() FieldKey {
	return NewFieldKey(self.ItemId, self.Field)
}

// presence signal of who is editing what. Not authoritative data.
type FocusUpdate struct {
	DocumentId string    `json:"document_id"`
	ItemId     string    `json:"item_id"`
	Field      string    `json:"field"`
	UserId     Id        `json:"user_id"`
	UserName   string    `json:"user_name"`
	TabId      Id        `json:"tab_id"`
	IsFocused  bool      `json:"is_focused"`
	Timestamp  time.Time `json:"timestamp"`
}

func (self *FocusUpdate) FieldKey() FieldKey {
	return NewFieldKey(self.ItemId, self.Field)
}

type StructuralOp string

const (
	StructuralOpInsert  StructuralOp = "insert"
	StructuralOpDelete  StructuralOp = "delete"
	StructuralOpReorder StructuralOp = "reorder"
)

// a discrete change to the item list. Sent immediate, never debounced.
type StructuralUpdate struct {
	DocumentId string       `json:"document_id"`
	Op         StructuralOp `json:"op"`
	ItemId     string       `json:"item_id"`
	Index      int          `json:"index"`
	Item       *Item        `json:"item,omitempty"`
	UserId     Id           `json:"user_id"`
	TabId      Id           `json:"tab_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

package collab

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// item id used for document-level fields
const GlobalItemId = "global"

// the fixed set of document-level fields tracked for conflicts
var GlobalFieldNames = []string{
	"title",
	"start_time",
	"timezone",
	"external_notes",
	"show_date",
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// the universal addressing unit for shadows, fingerprints, and conflict decisions
type FieldKey struct {
	// an item id, or `GlobalItemId` for document-level fields
	ItemId string
	Field  string
}

func NewFieldKey(itemId string, field string) FieldKey {
	if itemId == "" {
		itemId = GlobalItemId
	}
	return FieldKey{
		ItemId: itemId,
		Field:  field,
	}
}

func GlobalFieldKey(field string) FieldKey {
	return FieldKey{
		ItemId: GlobalItemId,
		Field:  field,
	}
}

func (self FieldKey) IsGlobal() bool {
	return self.ItemId == GlobalItemId
}

func (self FieldKey) String() string {
	return fmt.Sprintf("%s-%s", self.ItemId, self.Field)
}

type Item struct {
	Id     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (self *Item) Copy() *Item {
	return &Item{
		Id:     self.Id,
		Fields: maps.Clone(self.Fields),
	}
}

// the shared editable entity. The persistent store owns the authoritative copy;
// the engine holds a local working copy plus the most recent server snapshot it has seen.
type Document struct {
	Id string `json:"id"`
	// fixed key set, see `GlobalFieldNames`
	Globals   map[string]any `json:"globals"`
	Items     []*Item        `json:"items"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func NewDocument(documentId string) *Document {
	globals := map[string]any{}
	for _, field := range GlobalFieldNames {
		globals[field] = nil
	}
	return &Document{
		Id:      documentId,
		Globals: globals,
		Items:   []*Item{},
	}
}

func (self *Document) Copy() *Document {
	items := make([]*Item, len(self.Items))
	for i, item := range self.Items {
		items[i] = item.Copy()
	}
	return &Document{
		Id:        self.Id,
		Globals:   maps.Clone(self.Globals),
		Items:     items,
		Version:   self.Version,
		UpdatedAt: self.UpdatedAt,
	}
}

func (self *Document) Item(itemId string) *Item {
	for _, item := range self.Items {
		if item.Id == itemId {
			return item
		}
	}
	return nil
}

func (self *Document) FieldValue(key FieldKey) (any, bool) {
	if key.IsGlobal() {
		value, ok := self.Globals[key.Field]
		return value, ok
	}
	if item := self.Item(key.ItemId); item != nil {
		value, ok := item.Fields[key.Field]
		return value, ok
	}
	return nil, false
}

func (self *Document) SetFieldValue(key FieldKey, value any) bool {
	if key.IsGlobal() {
		self.Globals[key.Field] = value
		return true
	}
	if item := self.Item(key.ItemId); item != nil {
		if item.Fields == nil {
			item.Fields = map[string]any{}
		}
		item.Fields[key.Field] = value
		return true
	}
	return false
}

// canonical json equality. `any` values come off the wire as json,
// so json equivalence is the only comparison the engine can rely on.
func ValuesEqual(a any, b any) bool {
	if a == nil && b == nil {
		return true
	}
	aBytes, aErr := json.Marshal(a)
	bBytes, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return bytes.Equal(aBytes, bBytes)
}

// reports which top-level parts differ between two snapshots:
// the changed global field names plus a coarse "items" flag
func DiffDocuments(a *Document, b *Document) []string {
	changes := []string{}
	for _, field := range GlobalFieldNames {
		if !ValuesEqual(a.Globals[field], b.Globals[field]) {
			changes = append(changes, field)
		}
	}
	itemsChanged := len(a.Items) != len(b.Items)
	if !itemsChanged {
		for i := range a.Items {
			if a.Items[i].Id != b.Items[i].Id || !ValuesEqual(a.Items[i].Fields, b.Items[i].Fields) {
				itemsChanged = true
				break
			}
		}
	}
	if itemsChanged {
		changes = append(changes, "items")
	}
	return changes
}

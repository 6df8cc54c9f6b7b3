package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tabId := NewId()
	envelope := NewCellUpdateEnvelope(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "script",
		Value:      "hello",
		UserId:     NewId(),
		TabId:      tabId,
		Timestamp:  time.Now().UTC(),
	})

	data, err := EncodeEnvelope(envelope)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindCellUpdate, decoded.Kind)
	assert.Equal(t, "doc1", decoded.DocumentId())
	assert.Equal(t, tabId, decoded.TabId())
	assert.Equal(t, "hello", decoded.CellUpdate.Value)
	assert.Equal(t, NewFieldKey("X", "script"), decoded.CellUpdate.FieldKey())
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.NotEqual(t, err, nil)

	// kind without a matching payload
	_, err = DecodeEnvelope([]byte(`{"kind":"cell_update"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeEnvelope([]byte(`{"kind":"weather"}`))
	assert.NotEqual(t, err, nil)
}

func TestStructuralEnvelope(t *testing.T) {
	envelope := NewStructuralEnvelope(&StructuralUpdate{
		DocumentId: "doc1",
		Op:         StructuralOpInsert,
		ItemId:     "Z",
		Index:      1,
		Item: &Item{
			Id:     "Z",
			Fields: map[string]any{"script": ""},
		},
		TabId:     NewId(),
		Timestamp: time.Now().UTC(),
	})

	data, err := EncodeEnvelope(envelope)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindStructural, decoded.Kind)
	assert.Equal(t, StructuralOpInsert, decoded.Structural.Op)
	assert.Equal(t, "Z", decoded.Structural.Item.Id)
}

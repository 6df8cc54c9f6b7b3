package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastEngineSettings() *EngineSettings {
	settings := DefaultEngineSettings()
	settings.ChannelManagerSettings.DebounceTimeout = 20 * time.Millisecond
	settings.ChannelManagerSettings.TeardownTimeout = 1 * time.Millisecond
	settings.BatcherSettings = &UpdateBatcherSettings{
		BaseInterval: 10 * time.Millisecond,
		MaxInterval:  100 * time.Millisecond,
		MinBatchSize: 100,
	}
	settings.GapResolverSettings = &GapResolverSettings{
		MinResolveInterval:    1 * time.Millisecond,
		RecentOperationWindow: 5 * time.Second,
		RetryInterval:         20 * time.Millisecond,
		ForceApplyTimeout:     30 * time.Second,
	}
	settings.WatchdogSettings = &WatchdogSettings{
		PollTimeout:      1 * time.Hour,
		FetchTimeout:     time.Second,
		FailureThreshold: 3,
	}
	return settings
}

func newTestEngine(t *testing.T, hub *memoryHub, store *memoryStore) *Engine {
	engine := NewEngine(
		context.Background(),
		hub,
		store,
		NewSession(testJwt(t, time.Hour)),
		NewId(),
		NewId(),
		fastEngineSettings(),
	)
	t.Cleanup(engine.Close)
	return engine
}

func waitForFieldValue(t *testing.T, engine *Engine, documentId string, key FieldKey, expected any) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if document, ok := engine.Document(documentId); ok {
			if value, ok := document.FieldValue(key); ok && ValuesEqual(value, expected) {
				return
			}
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("field %s never reached %v", key, expected)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// an edit on one engine reaches the document of another
func TestEngineEditPropagates(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	alice := newTestEngine(t, hub, store)
	bob := newTestEngine(t, hub, store)

	closeAlice, err := alice.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeAlice()
	closeBob, err := bob.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeBob()

	err = alice.EditField("doc1", "X", "script", "rewritten intro")
	assert.Equal(t, err, nil)

	// applied locally right away
	document, ok := alice.Document("doc1")
	assert.Equal(t, true, ok)
	value, _ := document.FieldValue(NewFieldKey("X", "script"))
	assert.Equal(t, "rewritten intro", value)

	waitForFieldValue(t, bob, "doc1", NewFieldKey("X", "script"), "rewritten intro")
}

func TestEngineEditUnknownItem(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	engine := newTestEngine(t, hub, store)
	closeDocument, err := engine.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeDocument()

	err = engine.EditField("doc1", "missing", "script", "v")
	assert.NotEqual(t, err, nil)
}

// an incoming edit to a field under local focus is held back until the
// focus clears, then replayed
func TestEngineShadowBlocksThenReplays(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	alice := newTestEngine(t, hub, store)
	bob := newTestEngine(t, hub, store)

	closeAlice, err := alice.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeAlice()
	closeBob, err := bob.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeBob()

	bob.SetFocus("doc1", "X", "script", "bob")

	err = alice.EditField("doc1", "X", "script", "alice version")
	assert.Equal(t, err, nil)

	time.Sleep(300 * time.Millisecond)
	document, _ := bob.Document("doc1")
	value, _ := document.FieldValue(NewFieldKey("X", "script"))
	assert.Equal(t, "original", value)

	bob.ClearFocus("doc1", "X", "script", "bob")
	waitForFieldValue(t, bob, "doc1", NewFieldKey("X", "script"), "alice version")
}

func TestEngineFocusRoster(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	alice := newTestEngine(t, hub, store)
	bob := newTestEngine(t, hub, store)

	closeAlice, err := alice.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeAlice()
	closeBob, err := bob.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeBob()

	alice.SetFocus("doc1", "X", "script", "alice")

	deadline := time.Now().Add(2 * time.Second)
	for {
		roster := bob.Shadows().Roster("doc1")
		if entry, ok := roster[NewFieldKey("X", "script")]; ok {
			assert.Equal(t, "alice", entry.UserName)
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("focus never reached the roster")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineStructuralPropagates(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	alice := newTestEngine(t, hub, store)
	bob := newTestEngine(t, hub, store)

	closeAlice, err := alice.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeAlice()
	closeBob, err := bob.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeBob()

	err = alice.ApplyStructural(&StructuralUpdate{
		DocumentId: "doc1",
		Op:         StructuralOpInsert,
		ItemId:     "Z",
		Index:      1,
		Item: &Item{
			Id:     "Z",
			Fields: map[string]any{"script": "breaking news"},
		},
	})
	assert.Equal(t, err, nil)

	document, _ := alice.Document("doc1")
	assert.Equal(t, 3, len(document.Items))
	assert.Equal(t, "Z", document.Items[1].Id)

	waitForFieldValue(t, bob, "doc1", NewFieldKey("Z", "script"), "breaking news")
}

// a version gap found by the watchdog pulls the server snapshot in
func TestEngineGapResolution(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	engine := newTestEngine(t, hub, store)
	closeDocument, err := engine.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	defer closeDocument()

	snapshots := make(chan *GapResolutionResult, 1)
	removeSnapshot := engine.AddSnapshotCallback(func(documentId string, document *Document, result *GapResolutionResult) {
		snapshots <- result
	})
	defer removeSnapshot()

	// the document moved on while this client was away
	newer := testDocument("doc1")
	newer.Version = 7
	newer.UpdatedAt = time.Now()
	newer.SetFieldValue(GlobalFieldKey("title"), "replacement show")
	store.put(newer)

	engine.Poke("doc1")

	select {
	case result := <-snapshots:
		assert.Equal(t, true, result.ShouldApply)
		assert.Equal(t, "server snapshot adopted", result.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("gap never resolved")
	}

	waitForFieldValue(t, engine, "doc1", GlobalFieldKey("title"), "replacement show")
	document, _ := engine.Document("doc1")
	assert.Equal(t, int64(7), document.Version)
}

// closing the last handle destroys all per-document state together
func TestEngineCloseDocument(t *testing.T) {
	hub := newMemoryHub()
	store := newMemoryStore()
	store.put(testDocument("doc1"))

	engine := newTestEngine(t, hub, store)

	closeFirst, err := engine.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)
	closeSecond, err := engine.OpenDocument("doc1", nil)
	assert.Equal(t, err, nil)

	engine.SetFocus("doc1", "X", "script", "alice")

	closeFirst()
	_, ok := engine.Document("doc1")
	assert.Equal(t, true, ok)

	closeSecond()
	_, ok = engine.Document("doc1")
	assert.Equal(t, false, ok)
	assert.Equal(t, false, engine.Shadows().HasAnyShadow("doc1"))

	// closing again is a no-op
	closeSecond()
	closeFirst()
}

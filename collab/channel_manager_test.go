package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testChannelSettings() *ChannelManagerSettings {
	settings := DefaultChannelManagerSettings()
	settings.DebounceTimeout = 50 * time.Millisecond
	settings.SendRetryTimeout = 20 * time.Millisecond
	settings.TeardownTimeout = 1 * time.Millisecond
	settings.ReconnectSettings = &ReconnectSettings{
		MinTimeout:     20 * time.Millisecond,
		MaxTimeout:     100 * time.Millisecond,
		JitterFraction: 0,
	}
	return settings
}

func newTestManager(t *testing.T, hub *memoryHub, session *Session) *ChannelManager {
	manager := NewChannelManager(
		context.Background(),
		hub,
		session,
		nil,
		NewDiagnosticsWithDefaults(),
		NewId(),
		NewId(),
		testChannelSettings(),
	)
	t.Cleanup(manager.Close)
	return manager
}

type envelopeCollector struct {
	stateLock sync.Mutex
	envelopes []*Envelope
}

func (self *envelopeCollector) receive(envelope *Envelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.envelopes = append(self.envelopes, envelope)
}

func (self *envelopeCollector) snapshot() []*Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	envelopes := make([]*Envelope, len(self.envelopes))
	copy(envelopes, self.envelopes)
	return envelopes
}

// a tab never receives its own broadcast, but other tabs do
func TestEchoSuppression(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))

	sender := newTestManager(t, hub, session)
	receiver := newTestManager(t, hub, session)

	senderSeen := &envelopeCollector{}
	receiverSeen := &envelopeCollector{}

	unsubSender, err := sender.Subscribe("doc1", senderSeen.receive)
	assert.Equal(t, err, nil)
	defer unsubSender()
	unsubReceiver, err := receiver.Subscribe("doc1", receiverSeen.receive)
	assert.Equal(t, err, nil)
	defer unsubReceiver()

	err = sender.SendCellUpdate(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "script",
		Value:      "hello",
	})
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, len(senderSeen.snapshot()))

	received := receiverSeen.snapshot()
	assert.Equal(t, 1, len(received))
	assert.Equal(t, MessageKindCellUpdate, received[0].Kind)
	assert.Equal(t, "hello", received[0].CellUpdate.Value)
	assert.Equal(t, sender.TabId(), received[0].CellUpdate.TabId)
}

// rapid debounced edits to one field produce a single broadcast with the
// final value
func TestDebounceCoalescing(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))

	sender := newTestManager(t, hub, session)
	receiver := newTestManager(t, hub, session)

	receiverSeen := &envelopeCollector{}
	unsubSender, err := sender.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsubSender()
	unsubReceiver, err := receiver.Subscribe("doc1", receiverSeen.receive)
	assert.Equal(t, err, nil)
	defer unsubReceiver()

	for _, value := range []string{"h", "he", "hel"} {
		sender.SendCellUpdateDebounced(&CellUpdate{
			DocumentId: "doc1",
			ItemId:     "X",
			Field:      "script",
			Value:      value,
		})
	}

	time.Sleep(300 * time.Millisecond)

	received := receiverSeen.snapshot()
	assert.Equal(t, 1, len(received))
	assert.Equal(t, "hel", received[0].CellUpdate.Value)
	assert.Equal(t, 1, hub.PublishCount("doc1"))
}

// different fields debounce independently
func TestDebouncePerField(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))

	sender := newTestManager(t, hub, session)
	receiver := newTestManager(t, hub, session)

	receiverSeen := &envelopeCollector{}
	unsubSender, _ := sender.Subscribe("doc1", func(envelope *Envelope) {})
	defer unsubSender()
	unsubReceiver, _ := receiver.Subscribe("doc1", receiverSeen.receive)
	defer unsubReceiver()

	sender.SendCellUpdateDebounced(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "script",
		Value:      "x script",
	})
	sender.SendCellUpdateDebounced(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "duration",
		Value:      "3:00",
	})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, len(receiverSeen.snapshot()))
}

func TestFlushDebounced(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))

	settings := testChannelSettings()
	settings.DebounceTimeout = 1 * time.Hour
	sender := NewChannelManager(
		context.Background(),
		hub,
		session,
		nil,
		NewDiagnosticsWithDefaults(),
		NewId(),
		NewId(),
		settings,
	)
	defer sender.Close()
	receiver := newTestManager(t, hub, session)

	receiverSeen := &envelopeCollector{}
	unsubSender, _ := sender.Subscribe("doc1", func(envelope *Envelope) {})
	defer unsubSender()
	unsubReceiver, _ := receiver.Subscribe("doc1", receiverSeen.receive)
	defer unsubReceiver()

	sender.SendCellUpdateDebounced(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "script",
		Value:      "pending",
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, len(receiverSeen.snapshot()))

	sender.FlushDebounced("doc1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, len(receiverSeen.snapshot()))
}

// health counters track publishes and the channel reports healthy
func TestChannelHealth(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	_, ok := manager.Health("doc1")
	assert.Equal(t, false, ok)
	assert.Equal(t, false, manager.Healthy("doc1"))

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsub()

	health, ok := manager.Health("doc1")
	assert.Equal(t, true, ok)
	assert.Equal(t, ChannelStateSubscribed, health.State)
	assert.Equal(t, true, manager.Healthy("doc1"))

	err = manager.SendCellUpdate(&CellUpdate{
		DocumentId: "doc1",
		ItemId:     "X",
		Field:      "script",
		Value:      "v",
	})
	assert.Equal(t, err, nil)

	health, _ = manager.Health("doc1")
	assert.Equal(t, 2, health.SuccessCount)
	assert.Equal(t, 0, health.FailureCount)
}

// a transport drop marks the channel unhealthy and a later resubscribe
// restores it
func TestChannelReconnect(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsub()

	hub.fail("doc1", errors.New("connection reset"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		health, ok := manager.Health("doc1")
		// the resubscribe bumps the success count and resets failures
		if ok && health.State == ChannelStateSubscribed && 1 < health.SuccessCount && health.FailureCount == 0 {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("channel never reconnected")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type timeoutError struct{}

func (self *timeoutError) Error() string   { return "read timeout" }
func (self *timeoutError) Timeout() bool   { return true }
func (self *timeoutError) Temporary() bool { return true }

// a deadline timeout is classified distinctly from other transport errors
func TestChannelTimeoutState(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	settings := testChannelSettings()
	// keep reconnection out of the way so the failure state is observable
	settings.ReconnectSettings.MinTimeout = time.Hour
	settings.ReconnectSettings.MaxTimeout = time.Hour
	manager := NewChannelManager(
		context.Background(),
		hub,
		session,
		nil,
		NewDiagnosticsWithDefaults(),
		NewId(),
		NewId(),
		settings,
	)
	t.Cleanup(manager.Close)

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsub()

	hub.fail("doc1", &timeoutError{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		health, ok := manager.Health("doc1")
		if ok && health.State == ChannelStateTimeout {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("expected timeout state, got %s", health.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// a forced reconnect racing an already-fired backoff timer must not
// double-subscribe and leak the first subscription
func TestForceReconnectSingleSubscription(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsub()

	hub.fail("doc1", errors.New("connection reset"))

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.ForceReconnect("doc1")
		}()
	}
	wg.Wait()

	// let the backoff timer scheduled by the failure fire as well
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, hub.SubscriberCount("doc1"))
}

// an expired session halts reconnection instead of retrying forever
func TestReconnectAbortsOnInvalidSession(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)
	defer unsub()

	session.SetByJwt(testJwt(t, -time.Hour))
	hub.fail("doc1", errors.New("connection reset"))

	time.Sleep(300 * time.Millisecond)

	health, ok := manager.Health("doc1")
	assert.Equal(t, true, ok)
	assert.Equal(t, ChannelStateError, health.State)
}

// unsubscribe tears the channel down once, and doing it again is a no-op
func TestCleanupIdempotent(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	closed := []string{}
	removeClosed := manager.AddDocumentClosedCallback(func(documentId string) {
		closed = append(closed, documentId)
	})
	defer removeClosed()

	unsub, err := manager.Subscribe("doc1", func(envelope *Envelope) {})
	assert.Equal(t, err, nil)

	unsub()
	unsub()
	unsub()

	assert.Equal(t, []string{"doc1"}, closed)
	_, ok := manager.Health("doc1")
	assert.Equal(t, false, ok)
}

// the channel survives while any subscriber remains
func TestRefcountedSubscribers(t *testing.T) {
	hub := newMemoryHub()
	session := NewSession(testJwt(t, time.Hour))
	manager := newTestManager(t, hub, session)

	unsubFirst, _ := manager.Subscribe("doc1", func(envelope *Envelope) {})
	unsubSecond, _ := manager.Subscribe("doc1", func(envelope *Envelope) {})

	unsubFirst()
	_, ok := manager.Health("doc1")
	assert.Equal(t, true, ok)

	unsubSecond()
	_, ok = manager.Health("doc1")
	assert.Equal(t, false, ok)
}

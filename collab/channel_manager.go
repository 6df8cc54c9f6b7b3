package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ChannelState string

const (
	ChannelStateSubscribed ChannelState = "subscribed"
	ChannelStateError      ChannelState = "error"
	ChannelStateClosed     ChannelState = "closed"
	ChannelStateTimeout    ChannelState = "timeout"
)

// per-document transport state with rolling success/failure counters
type ChannelHealth struct {
	State        ChannelState
	SuccessCount int
	FailureCount int
}

func (self *ChannelHealth) SuccessRate() float64 {
	total := self.SuccessCount + self.FailureCount
	if total == 0 {
		return 1
	}
	return float64(self.SuccessCount) / float64(total)
}

type MessageFunction = func(envelope *Envelope)

type ChannelManagerSettings struct {
	// debounced sends coalesce by field key within this window
	DebounceTimeout time.Duration
	// a failed send is retried once after this delay, then dropped.
	// the next edit re-broadcasts current state anyway.
	SendRetryTimeout time.Duration
	SendTimeout      time.Duration
	// transport teardown on last-unsubscribe is deferred by this much to
	// avoid racing in-flight receive callbacks
	TeardownTimeout    time.Duration
	HealthySuccessRate float64
	ReconnectSettings  *ReconnectSettings
}

func DefaultChannelManagerSettings() *ChannelManagerSettings {
	return &ChannelManagerSettings{
		DebounceTimeout:    300 * time.Millisecond,
		SendRetryTimeout:   1 * time.Second,
		SendTimeout:        5 * time.Second,
		TeardownTimeout:    10 * time.Millisecond,
		HealthySuccessRate: 0.8,
		ReconnectSettings:  DefaultReconnectSettings(),
	}
}

type documentChannel struct {
	documentId string
	sub        TransportSubscription
	// incremented on every (re)subscribe so that a stale Done watcher
	// cannot trigger reconnection against a newer subscription
	generation int

	subscribers *CallbackList[MessageFunction]
	health      ChannelHealth

	debounced     map[FieldKey]*CellUpdate
	debounceOrder []FieldKey
	debounceTimer *Timer

	reconnect      *Reconnect
	reconnectTimer *Timer
	// set while `reconnect` runs. `ForceReconnect` can race a backoff
	// timer that has already fired, and only one resubscribe may proceed.
	reconnecting bool

	deregister func()
}

// owns one pub/sub topic per document, created lazily on first
// subscription and reused for the document's lifetime. Multiplexes local
// subscribers over one underlying channel, filters self-echo by tab id,
// and owns per-channel health and reconnection.
type ChannelManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport   Transport
	session     *Session
	coordinator ReconnectRegistry
	diagnostics *Diagnostics

	userId Id
	tabId  Id

	settings *ChannelManagerSettings

	stateLock sync.Mutex
	channels  map[string]*documentChannel

	documentClosedCallbacks *CallbackList[func(documentId string)]
}

func NewChannelManagerWithDefaults(
	ctx context.Context,
	transport Transport,
	session *Session,
	coordinator ReconnectRegistry,
	diagnostics *Diagnostics,
	userId Id,
	tabId Id,
) *ChannelManager {
	return NewChannelManager(ctx, transport, session, coordinator, diagnostics, userId, tabId, DefaultChannelManagerSettings())
}

func NewChannelManager(
	ctx context.Context,
	transport Transport,
	session *Session,
	coordinator ReconnectRegistry,
	diagnostics *Diagnostics,
	userId Id,
	tabId Id,
	settings *ChannelManagerSettings,
) *ChannelManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelManager{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		transport:               transport,
		session:                 session,
		coordinator:             coordinator,
		diagnostics:             diagnostics,
		userId:                  userId,
		tabId:                   tabId,
		settings:                settings,
		channels:                map[string]*documentChannel{},
		documentClosedCallbacks: NewCallbackList[func(documentId string)](),
	}
}

func (self *ChannelManager) TabId() Id {
	return self.tabId
}

// fires after a document's channel resources are released on
// last-unsubscribe. Document-scoped state elsewhere (shadows,
// fingerprints) is destroyed together with the channel via this hook.
func (self *ChannelManager) AddDocumentClosedCallback(callback func(documentId string)) func() {
	callbackId := self.documentClosedCallbacks.Add(callback)
	return func() {
		self.documentClosedCallbacks.Remove(callbackId)
	}
}

// subscribes a local consumer to the document's topic. The underlying
// channel is created on the first subscription and torn down when the
// returned unsubscribe function removes the last consumer.
func (self *ChannelManager) Subscribe(documentId string, callback MessageFunction) (func(), error) {
	var channel *documentChannel
	created := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		channel, ok = self.channels[documentId]
		if !ok {
			channel = &documentChannel{
				documentId:  documentId,
				subscribers: NewCallbackList[MessageFunction](),
				debounced:   map[FieldKey]*CellUpdate{},
				reconnect:   NewReconnect(self.settings.ReconnectSettings),
			}
			self.channels[documentId] = channel
			created = true
		}
	}()

	if created {
		if self.coordinator != nil {
			channel.deregister = self.coordinator.Register(
				fmt.Sprintf("channel-%s", documentId),
				"broadcast",
				func() {
					self.ForceReconnect(documentId)
				},
			)
		}
		if err := self.subscribeTransport(channel); err != nil {
			self.teardownChannel(documentId, channel)
			return nil, err
		}
	}

	callbackId := channel.subscribers.Add(callback)
	unsubOnce := sync.Once{}
	return func() {
		unsubOnce.Do(func() {
			channel.subscribers.Remove(callbackId)
			if channel.subscribers.Len() == 0 {
				self.closeDocument(documentId, channel)
			}
		})
	}, nil
}

func (self *ChannelManager) subscribeTransport(channel *documentChannel) error {
	documentId := channel.documentId

	sub, err := TraceWithReturnError(
		fmt.Sprintf("[ch]connect %s", documentId),
		func() (TransportSubscription, error) {
			return self.transport.Subscribe(self.ctx, documentId, func(data []byte) {
				self.handleInbound(documentId, data)
			})
		},
	)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err != nil {
		channel.health.State = ChannelStateError
		channel.health.FailureCount += 1
		return err
	}

	channel.sub = sub
	channel.generation += 1
	channel.health.State = ChannelStateSubscribed
	channel.health.SuccessCount += 1
	// a successful subscribe resets the failure counter
	channel.health.FailureCount = 0
	channel.reconnect.Reset()

	generation := channel.generation
	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-sub.Done():
		}
		self.handleTransportDown(documentId, generation, sub.Err())
	}()

	glog.V(1).Infof("[ch]subscribed %s\n", documentId)
	return nil
}

func (self *ChannelManager) handleInbound(documentId string, data []byte) {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		glog.V(1).Infof("[ch]decode error %s = %s\n", documentId, err)
		return
	}

	// cheap echo filter. Per-message subscriber fan-out can be expensive
	// at scale, so self-echo is dropped before any subscriber runs.
	if envelope.TabId() == self.tabId {
		glog.V(2).Infof("[ch]echo drop %s\n", documentId)
		return
	}

	var channel *documentChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		channel = self.channels[documentId]
	}()
	if channel == nil {
		return
	}

	for _, callback := range channel.subscribers.Get() {
		HandleError(func() {
			callback(envelope)
		})
	}
}

func channelStateForError(err error) ChannelState {
	if err == nil {
		return ChannelStateClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ChannelStateTimeout
	}
	return ChannelStateError
}

func (self *ChannelManager) handleTransportDown(documentId string, generation int, err error) {
	var channel *documentChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		channel = self.channels[documentId]
		if channel == nil || channel.generation != generation {
			channel = nil
			return
		}
		channel.health.State = channelStateForError(err)
		channel.health.FailureCount += 1
	}()
	if channel == nil {
		return
	}

	glog.Infof("[ch]transport down %s = %s\n", documentId, err)
	self.scheduleReconnect(documentId, channel)
}

// a single reconnect timer per document, always cancelled before a new
// one is scheduled, so duplicate reconnect loops cannot arise
func (self *ChannelManager) scheduleReconnect(documentId string, channel *documentChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.channels[documentId] != channel {
		return
	}
	if channel.reconnectTimer != nil {
		channel.reconnectTimer.Cancel()
	}
	timeout := channel.reconnect.NextTimeout()
	channel.reconnectTimer = NewTimer(timeout, func() {
		self.reconnect(documentId, channel)
	})
	glog.V(1).Infof("[ch]reconnect %s in %s\n", documentId, timeout)
}

// entry point for external coordination logic, to avoid independent
// channels reconnecting in an uncoordinated storm
func (self *ChannelManager) ForceReconnect(documentId string) {
	var channel *documentChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		channel = self.channels[documentId]
		if channel != nil && channel.reconnectTimer != nil {
			channel.reconnectTimer.Cancel()
			channel.reconnectTimer = nil
		}
	}()
	if channel == nil {
		return
	}
	self.reconnect(documentId, channel)
}

func (self *ChannelManager) reconnect(documentId string, channel *documentChannel) {
	inProgress := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		inProgress = channel.reconnecting
		channel.reconnecting = true
	}()
	if inProgress {
		return
	}
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		channel.reconnecting = false
	}()

	// a reconnect against a dead session cannot succeed and only
	// contributes to a storm
	if !self.session.IsValid() {
		glog.Infof("[ch]session invalid, reconnect aborted %s\n", documentId)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			channel.health.State = ChannelStateError
		}()
		return
	}

	var oldSub TransportSubscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		oldSub = channel.sub
		channel.sub = nil
	}()
	if oldSub != nil {
		oldSub.Close()
	}

	self.diagnostics.Record(&DiagnosticEvent{
		Type:       DiagnosticReconnect,
		DocumentId: documentId,
	})

	if err := self.subscribeTransport(channel); err != nil {
		glog.Infof("[ch]reconnect error %s = %s\n", documentId, err)
		self.scheduleReconnect(documentId, channel)
	}
}

func (self *ChannelManager) publish(documentId string, envelope *Envelope) error {
	var channel *documentChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		channel = self.channels[documentId]
	}()
	if channel == nil || channel.sub == nil {
		return fmt.Errorf("no channel for document %s", documentId)
	}

	data, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	sendCtx, sendCancel := context.WithTimeout(self.ctx, self.settings.SendTimeout)
	defer sendCancel()
	err = channel.sub.Publish(sendCtx, data)

	self.stateLock.Lock()
	if err == nil {
		channel.health.SuccessCount += 1
	} else {
		channel.health.FailureCount += 1
	}
	self.stateLock.Unlock()
	return err
}

// publish with one automatic retry after a fixed delay. Beyond that the
// message is dropped.
func (self *ChannelManager) send(documentId string, envelope *Envelope) error {
	err := self.publish(documentId, envelope)
	if err == nil {
		return nil
	}

	glog.Infof("[ch]send error %s = %s, retrying\n", documentId, err)
	self.diagnostics.Record(&DiagnosticEvent{
		Type:       DiagnosticSendRetry,
		DocumentId: documentId,
	})

	select {
	case <-self.ctx.Done():
		return err
	case <-time.After(self.settings.SendRetryTimeout):
	}

	if err := self.publish(documentId, envelope); err != nil {
		glog.Infof("[ch]send dropped %s = %s\n", documentId, err)
		return err
	}
	return nil
}

// immediate send, used for structural and other discrete edits
func (self *ChannelManager) SendCellUpdate(update *CellUpdate) error {
	self.tagCellUpdate(update)
	return self.send(update.DocumentId, NewCellUpdateEnvelope(update))
}

// debounced send for continuous typing fields. Coalesces by field key,
// last value wins.
func (self *ChannelManager) SendCellUpdateDebounced(update *CellUpdate) {
	self.tagCellUpdate(update)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channel := self.channels[update.DocumentId]
	if channel == nil {
		return
	}

	key := update.FieldKey()
	if _, ok := channel.debounced[key]; !ok {
		channel.debounceOrder = append(channel.debounceOrder, key)
	}
	channel.debounced[key] = update

	if channel.debounceTimer != nil && channel.debounceTimer.IsPending() {
		return
	}
	channel.debounceTimer = NewTimer(self.settings.DebounceTimeout, func() {
		self.FlushDebounced(update.DocumentId)
	})
}

// sends all pending debounced updates now, e.g. on blur or teardown
func (self *ChannelManager) FlushDebounced(documentId string) {
	var updates []*CellUpdate
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		channel := self.channels[documentId]
		if channel == nil {
			return
		}
		if channel.debounceTimer != nil {
			channel.debounceTimer.Cancel()
			channel.debounceTimer = nil
		}
		updates = make([]*CellUpdate, 0, len(channel.debounced))
		for _, key := range channel.debounceOrder {
			if update, ok := channel.debounced[key]; ok {
				updates = append(updates, update)
			}
		}
		channel.debounced = map[FieldKey]*CellUpdate{}
		channel.debounceOrder = nil
	}()

	for _, update := range updates {
		if err := self.send(documentId, NewCellUpdateEnvelope(update)); err != nil {
			glog.V(1).Infof("[ch]debounced send failed %s %s\n", documentId, update.FieldKey())
		}
	}
}

func (self *ChannelManager) SendFocus(focus *FocusUpdate) error {
	focus.UserId = self.userId
	focus.TabId = self.tabId
	if focus.Timestamp.IsZero() {
		focus.Timestamp = time.Now()
	}
	return self.send(focus.DocumentId, NewFocusEnvelope(focus))
}

func (self *ChannelManager) SendStructural(structural *StructuralUpdate) error {
	structural.UserId = self.userId
	structural.TabId = self.tabId
	if structural.Timestamp.IsZero() {
		structural.Timestamp = time.Now()
	}
	return self.send(structural.DocumentId, NewStructuralEnvelope(structural))
}

// outgoing sends always carry the local user id, tab id, and a timestamp
func (self *ChannelManager) tagCellUpdate(update *CellUpdate) {
	update.UserId = self.userId
	update.TabId = self.tabId
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
}

func (self *ChannelManager) Health(documentId string) (ChannelHealth, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channel, ok := self.channels[documentId]
	if !ok {
		return ChannelHealth{}, false
	}
	return channel.health, true
}

func (self *ChannelManager) Healthy(documentId string) bool {
	health, ok := self.Health(documentId)
	if !ok {
		return false
	}
	return health.State == ChannelStateSubscribed && self.settings.HealthySuccessRate <= health.SuccessRate()
}

func (self *ChannelManager) closeDocument(documentId string, channel *documentChannel) {
	// flush pending debounced sends before the channel goes away
	self.FlushDebounced(documentId)
	self.teardownChannel(documentId, channel)

	for _, callback := range self.documentClosedCallbacks.Get() {
		HandleError(func() {
			callback(documentId)
		})
	}
}

// cancel all timers, deregister from the reconnection coordinator, then
// tear down the transport resource asynchronously so that in-flight
// callbacks finish first. Idempotent.
func (self *ChannelManager) teardownChannel(documentId string, channel *documentChannel) {
	var sub TransportSubscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.channels[documentId] != channel {
			return
		}
		delete(self.channels, documentId)

		if channel.debounceTimer != nil {
			channel.debounceTimer.Cancel()
		}
		if channel.reconnectTimer != nil {
			channel.reconnectTimer.Cancel()
		}
		channel.health.State = ChannelStateClosed
		sub = channel.sub
		channel.sub = nil
	}()

	if channel.deregister != nil {
		channel.deregister()
		channel.deregister = nil
	}

	if sub != nil {
		teardownTimeout := self.settings.TeardownTimeout
		go func() {
			time.Sleep(teardownTimeout)
			sub.Close()
		}()
	}
	glog.V(1).Infof("[ch]closed %s\n", documentId)
}

func (self *ChannelManager) Close() {
	channels := map[string]*documentChannel{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for documentId, channel := range self.channels {
			channels[documentId] = channel
		}
	}()
	for documentId, channel := range channels {
		self.closeDocument(documentId, channel)
	}
	self.cancel()
}

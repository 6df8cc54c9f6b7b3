package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type WatchdogStaleFunction = func(documentId string, serverDocument *Document, serverVersion int64)

type WatchdogReconnectFunction = func(documentId string)

type WatchdogSettings struct {
	PollTimeout  time.Duration
	FetchTimeout time.Duration
	// consecutive version check failures before reconnection is signaled
	FailureThreshold int
}

func DefaultWatchdogSettings() *WatchdogSettings {
	return &WatchdogSettings{
		PollTimeout:      15 * time.Second,
		FetchTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// detects missed updates by comparing the server document version
// against the last version seen locally. One instance per
// (document, user), polling on an interval and on demand via `Poke`.
type Watchdog struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       DocumentStore
	diagnostics *Diagnostics

	documentId string
	userId     Id

	settings *WatchdogSettings

	staleCallbacks     *CallbackList[WatchdogStaleFunction]
	reconnectCallbacks *CallbackList[WatchdogReconnectFunction]

	poke chan struct{}

	stateLock           sync.Mutex
	lastSeenVersion     int64
	consecutiveFailures int
}

func NewWatchdog(
	ctx context.Context,
	store DocumentStore,
	diagnostics *Diagnostics,
	documentId string,
	userId Id,
	settings *WatchdogSettings,
) *Watchdog {
	cancelCtx, cancel := context.WithCancel(ctx)
	watchdog := &Watchdog{
		ctx:                cancelCtx,
		cancel:             cancel,
		store:              store,
		diagnostics:        diagnostics,
		documentId:         documentId,
		userId:             userId,
		settings:           settings,
		staleCallbacks:     NewCallbackList[WatchdogStaleFunction](),
		reconnectCallbacks: NewCallbackList[WatchdogReconnectFunction](),
		poke:               make(chan struct{}, 1),
	}
	go watchdog.run()
	return watchdog
}

func (self *Watchdog) AddStaleCallback(callback WatchdogStaleFunction) func() {
	callbackId := self.staleCallbacks.Add(callback)
	return func() {
		self.staleCallbacks.Remove(callbackId)
	}
}

func (self *Watchdog) AddReconnectCallback(callback WatchdogReconnectFunction) func() {
	callbackId := self.reconnectCallbacks.Add(callback)
	return func() {
		self.reconnectCallbacks.Remove(callbackId)
	}
}

// event-driven check, e.g. on tab visibility or window focus.
// Coalesces with any pending poke.
func (self *Watchdog) Poke() {
	select {
	case self.poke <- struct{}{}:
	default:
	}
}

// records the version most recently applied locally. The watchdog never
// advances this itself; the owner advances it after applying a snapshot.
func (self *Watchdog) UpdateLastSeen(version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.lastSeenVersion < version {
		self.lastSeenVersion = version
	}
}

func (self *Watchdog) LastSeen() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSeenVersion
}

func (self *Watchdog) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PollTimeout):
		case <-self.poke:
		}
		self.check()
	}
}

func (self *Watchdog) check() {
	fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
	version, err := self.store.GetDocumentVersion(fetchCtx, self.documentId)
	fetchCancel()

	if err != nil {
		failures := 0
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.consecutiveFailures += 1
			failures = self.consecutiveFailures
			if self.settings.FailureThreshold <= failures {
				self.consecutiveFailures = 0
			}
		}()

		glog.V(1).Infof("[wd]version check error %s = %s (%d)\n", self.documentId, err, failures)
		if self.settings.FailureThreshold <= failures {
			glog.Infof("[wd]failure threshold reached %s\n", self.documentId)
			for _, callback := range self.reconnectCallbacks.Get() {
				HandleError(func() {
					callback(self.documentId)
				})
			}
		}
		return
	}

	var lastSeen int64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.consecutiveFailures = 0
		lastSeen = self.lastSeenVersion
	}()

	if version <= lastSeen {
		return
	}

	// version gap. Fetch the full snapshot and hand it to the owner,
	// who decides how to apply it.
	glog.V(1).Infof("[wd]version gap %s %d -> %d\n", self.documentId, lastSeen, version)
	self.diagnostics.Record(&DiagnosticEvent{
		Type:       DiagnosticGapDetected,
		DocumentId: self.documentId,
		Reason:     fmt.Sprintf("version %d behind %d", lastSeen, version),
	})

	fetchCtx, fetchCancel = context.WithTimeout(self.ctx, self.settings.FetchTimeout)
	serverDocument, err := self.store.GetDocument(fetchCtx, self.documentId)
	fetchCancel()
	if err != nil {
		glog.V(1).Infof("[wd]snapshot fetch error %s = %s\n", self.documentId, err)
		return
	}

	for _, callback := range self.staleCallbacks.Get() {
		HandleError(func() {
			callback(self.documentId, serverDocument, version)
		})
	}
}

func (self *Watchdog) Close() {
	self.cancel()
}

// owns one watchdog per (document, user), created on demand and reused
type WatchdogSet struct {
	ctx context.Context

	store       DocumentStore
	diagnostics *Diagnostics
	settings    *WatchdogSettings

	stateLock sync.Mutex
	watchdogs map[string]*Watchdog
}

func NewWatchdogSetWithDefaults(ctx context.Context, store DocumentStore, diagnostics *Diagnostics) *WatchdogSet {
	return NewWatchdogSet(ctx, store, diagnostics, DefaultWatchdogSettings())
}

func NewWatchdogSet(ctx context.Context, store DocumentStore, diagnostics *Diagnostics, settings *WatchdogSettings) *WatchdogSet {
	return &WatchdogSet{
		ctx:         ctx,
		store:       store,
		diagnostics: diagnostics,
		settings:    settings,
		watchdogs:   map[string]*Watchdog{},
	}
}

func watchdogKey(documentId string, userId Id) string {
	return fmt.Sprintf("%s/%s", documentId, userId)
}

func (self *WatchdogSet) Get(documentId string, userId Id) *Watchdog {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := watchdogKey(documentId, userId)
	watchdog, ok := self.watchdogs[key]
	if !ok {
		watchdog = NewWatchdog(self.ctx, self.store, self.diagnostics, documentId, userId, self.settings)
		self.watchdogs[key] = watchdog
	}
	return watchdog
}

func (self *WatchdogSet) CloseDocument(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, watchdog := range self.watchdogs {
		if watchdog.documentId == documentId {
			watchdog.Close()
			delete(self.watchdogs, key)
		}
	}
}

func (self *WatchdogSet) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, watchdog := range self.watchdogs {
		watchdog.Close()
		delete(self.watchdogs, key)
	}
}

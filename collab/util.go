package collab

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// makes a copy of the list on update so that `Get` results can be
// iterated outside the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId Id
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

// a cancelable one-shot timer with an inspectable pending state.
// every delayed action in this package is tracked by one of these and
// canceled before being superseded or on teardown.
type Timer struct {
	mutex   sync.Mutex
	timer   *time.Timer
	pending bool
}

func NewTimer(timeout time.Duration, do func()) *Timer {
	t := &Timer{
		pending: true,
	}
	t.timer = time.AfterFunc(timeout, func() {
		t.mutex.Lock()
		fire := t.pending
		t.pending = false
		t.mutex.Unlock()
		if fire {
			do()
		}
	})
	return t
}

func (self *Timer) IsPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.pending
}

func (self *Timer) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.pending {
		self.pending = false
		self.timer.Stop()
	}
}

type ReconnectSettings struct {
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	JitterFraction float64
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		MinTimeout:     500 * time.Millisecond,
		MaxTimeout:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// exponential backoff with random jitter, capped at `MaxTimeout`
type Reconnect struct {
	settings *ReconnectSettings

	mutex   sync.Mutex
	attempt int
}

func NewReconnectWithDefaults() *Reconnect {
	return NewReconnect(DefaultReconnectSettings())
}

func NewReconnect(settings *ReconnectSettings) *Reconnect {
	return &Reconnect{
		settings: settings,
	}
}

// the base delay is non-decreasing with attempt count up to the cap
func (self *Reconnect) baseTimeout(attempt int) time.Duration {
	timeout := self.settings.MinTimeout
	for i := 0; i < attempt; i += 1 {
		timeout *= 2
		if self.settings.MaxTimeout <= timeout {
			return self.settings.MaxTimeout
		}
	}
	return timeout
}

func (self *Reconnect) NextTimeout() time.Duration {
	self.mutex.Lock()
	attempt := self.attempt
	self.attempt += 1
	self.mutex.Unlock()

	timeout := self.baseTimeout(attempt)
	jitter := time.Duration(mathrand.Int63n(int64(float64(timeout)*self.settings.JitterFraction) + 1))
	timeout += jitter
	if self.settings.MaxTimeout < timeout {
		timeout = self.settings.MaxTimeout
	}
	return timeout
}

func (self *Reconnect) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempt = 0
}

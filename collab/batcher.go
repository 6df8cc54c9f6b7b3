package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type BatchKind string

const (
	BatchKindCell       BatchKind = "cell"
	BatchKindFocus      BatchKind = "focus"
	BatchKindStructural BatchKind = "structural"
)

type BatchProcessorFunction = func(envelopes []*Envelope)

type UpdateBatcherSettings struct {
	BaseInterval time.Duration
	// the flush interval grows with the number of concurrent editors
	PerActiveUser time.Duration
	MaxInterval   time.Duration
	// a queue that reaches this size flushes immediately
	MinBatchSize int
	// bypass queuing entirely and invoke processors synchronously.
	// makes behavior deterministic for testing and debugging.
	Disabled bool
}

func DefaultUpdateBatcherSettings() *UpdateBatcherSettings {
	return &UpdateBatcherSettings{
		BaseInterval:  50 * time.Millisecond,
		PerActiveUser: 25 * time.Millisecond,
		MaxInterval:   500 * time.Millisecond,
		MinBatchSize:  5,
	}
}

// coalesces high-frequency updates per kind before they reach the channel
// manager's send path or the local consumers. Queuing a key that already
// exists replaces the stored value, latest wins, without creating a
// duplicate scheduled flush. Under many concurrent editors or high memory
// pressure the system degrades to coarser batching instead of failing.
type UpdateBatcher struct {
	settings *UpdateBatcherSettings

	stateLock  sync.Mutex
	processors map[BatchKind]BatchProcessorFunction
	// kind -> coalescing key -> latest envelope
	queues map[BatchKind]map[string]*Envelope
	// insertion order of coalescing keys per kind
	queueOrders map[BatchKind][]string
	flushTimers map[BatchKind]*Timer

	activeUserCount int
	// externally supplied, clamped to [1, 3]
	memoryPressureMultiplier float64
}

func NewUpdateBatcherWithDefaults() *UpdateBatcher {
	return NewUpdateBatcher(DefaultUpdateBatcherSettings())
}

func NewUpdateBatcher(settings *UpdateBatcherSettings) *UpdateBatcher {
	return &UpdateBatcher{
		settings:                 settings,
		processors:               map[BatchKind]BatchProcessorFunction{},
		queues:                   map[BatchKind]map[string]*Envelope{},
		queueOrders:              map[BatchKind][]string{},
		flushTimers:              map[BatchKind]*Timer{},
		memoryPressureMultiplier: 1,
	}
}

func (self *UpdateBatcher) SetProcessor(kind BatchKind, processor BatchProcessorFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.processors[kind] = processor
}

func (self *UpdateBatcher) SetActiveUserCount(activeUserCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activeUserCount = activeUserCount
}

func (self *UpdateBatcher) SetMemoryPressureMultiplier(multiplier float64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if multiplier < 1 {
		multiplier = 1
	} else if 3 < multiplier {
		multiplier = 3
	}
	self.memoryPressureMultiplier = multiplier
}

// must be called with `stateLock`
func (self *UpdateBatcher) flushInterval() time.Duration {
	interval := self.settings.BaseInterval + self.settings.PerActiveUser*time.Duration(self.activeUserCount)
	if self.settings.MaxInterval < interval {
		interval = self.settings.MaxInterval
	}
	return time.Duration(float64(interval) * self.memoryPressureMultiplier)
}

func (self *UpdateBatcher) Queue(kind BatchKind, key string, envelope *Envelope) {
	if self.settings.Disabled {
		var processor BatchProcessorFunction
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			processor = self.processors[kind]
		}()
		if processor != nil {
			HandleError(func() {
				processor([]*Envelope{envelope})
			})
		}
		return
	}

	earlyFlush := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		queue, ok := self.queues[kind]
		if !ok {
			queue = map[string]*Envelope{}
			self.queues[kind] = queue
		}
		if _, ok := queue[key]; !ok {
			self.queueOrders[kind] = append(self.queueOrders[kind], key)
		}
		queue[key] = envelope

		if self.settings.MinBatchSize <= len(queue) {
			earlyFlush = true
			return
		}

		if timer, ok := self.flushTimers[kind]; ok && timer.IsPending() {
			// a flush is already scheduled
			return
		}
		self.flushTimers[kind] = NewTimer(self.flushInterval(), func() {
			self.Flush(kind)
		})
	}()

	if earlyFlush {
		glog.V(2).Infof("[b]early flush %s\n", kind)
		self.Flush(kind)
	}
}

// clears the queue before invoking the processor so that a processor that
// re-queues cannot recurse, and isolates processor errors so one kind's
// failure cannot corrupt another kind's state
func (self *UpdateBatcher) Flush(kind BatchKind) {
	var envelopes []*Envelope
	var processor BatchProcessorFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if timer, ok := self.flushTimers[kind]; ok {
			timer.Cancel()
			delete(self.flushTimers, kind)
		}

		queue, ok := self.queues[kind]
		if !ok || len(queue) == 0 {
			return
		}
		envelopes = make([]*Envelope, 0, len(queue))
		for _, key := range self.queueOrders[kind] {
			if envelope, ok := queue[key]; ok {
				envelopes = append(envelopes, envelope)
			}
		}
		delete(self.queues, kind)
		delete(self.queueOrders, kind)

		processor = self.processors[kind]
	}()

	if len(envelopes) == 0 || processor == nil {
		return
	}
	HandleError(func() {
		processor(envelopes)
	})
}

func (self *UpdateBatcher) FlushAll() {
	kinds := []BatchKind{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for kind := range self.queues {
			kinds = append(kinds, kind)
		}
	}()
	for _, kind := range kinds {
		self.Flush(kind)
	}
}

func (self *UpdateBatcher) QueueSize(kind BatchKind) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.queues[kind])
}

func (self *UpdateBatcher) Close() {
	self.FlushAll()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, timer := range self.flushTimers {
		timer.Cancel()
	}
	self.flushTimers = map[BatchKind]*Timer{}
}

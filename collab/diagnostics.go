package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/golang/glog"
)

type DiagnosticEventType string

const (
	DiagnosticGapDetected         DiagnosticEventType = "gap_detected"
	DiagnosticResolutionStarted   DiagnosticEventType = "resolution_started"
	DiagnosticResolutionCompleted DiagnosticEventType = "resolution_completed"
	DiagnosticResolutionDeferred  DiagnosticEventType = "resolution_deferred"
	DiagnosticForcedApply         DiagnosticEventType = "forced_apply"
	DiagnosticConflictDetected    DiagnosticEventType = "conflict_detected"
	DiagnosticConflictReplayed    DiagnosticEventType = "conflict_replayed"
	DiagnosticSendRetry           DiagnosticEventType = "send_retry"
	DiagnosticReconnect           DiagnosticEventType = "reconnect"
)

type DiagnosticEvent struct {
	Type       DiagnosticEventType `json:"type"`
	DocumentId string              `json:"document_id"`
	FieldKeys  []string            `json:"field_keys,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	EventTime  time.Time           `json:"event_time"`
}

type DiagnosticSinkFunction = func(event *DiagnosticEvent)

type DiagnosticsSettings struct {
	// bounded rolling window of retained events
	WindowSize int
}

func DefaultDiagnosticsSettings() *DiagnosticsSettings {
	return &DiagnosticsSettings{
		WindowSize: 256,
	}
}

// write-only structured event log. Events are retained in a bounded
// rolling window and fanned out to registered sinks.
type Diagnostics struct {
	settings *DiagnosticsSettings

	stateLock sync.Mutex
	events    []*DiagnosticEvent

	sinkCallbacks *CallbackList[DiagnosticSinkFunction]
}

func NewDiagnosticsWithDefaults() *Diagnostics {
	return NewDiagnostics(DefaultDiagnosticsSettings())
}

func NewDiagnostics(settings *DiagnosticsSettings) *Diagnostics {
	return &Diagnostics{
		settings:      settings,
		events:        []*DiagnosticEvent{},
		sinkCallbacks: NewCallbackList[DiagnosticSinkFunction](),
	}
}

func (self *Diagnostics) AddSink(sink DiagnosticSinkFunction) func() {
	callbackId := self.sinkCallbacks.Add(sink)
	return func() {
		self.sinkCallbacks.Remove(callbackId)
	}
}

func (self *Diagnostics) Record(event *DiagnosticEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}

	self.stateLock.Lock()
	self.events = append(self.events, event)
	if self.settings.WindowSize < len(self.events) {
		self.events = self.events[len(self.events)-self.settings.WindowSize:]
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[diag]%s %s %s\n", event.Type, event.DocumentId, event.Reason)
	for _, sink := range self.sinkCallbacks.Get() {
		HandleError(func() {
			sink(event)
		})
	}
}

func (self *Diagnostics) Events() []*DiagnosticEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	events := make([]*DiagnosticEvent, len(self.events))
	copy(events, self.events)
	return events
}

type KafkaDiagnosticsSinkSettings struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultKafkaDiagnosticsSinkSettings() *KafkaDiagnosticsSinkSettings {
	return &KafkaDiagnosticsSinkSettings{
		QueueSize:   4096,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}
}

// forwards diagnostic events to a kafka topic. A bounded local queue plus
// worker retry keeps the recording path non blocking; events are dropped
// on overflow rather than growing memory without bound.
type KafkaDiagnosticsSink struct {
	producer sarama.SyncProducer
	topic    string

	settings *KafkaDiagnosticsSinkSettings

	queue      chan *DiagnosticEvent
	closeOnce  sync.Once
	removeSink func()
}

func NewKafkaDiagnosticsSinkWithDefaults(producer sarama.SyncProducer, topic string, diagnostics *Diagnostics) *KafkaDiagnosticsSink {
	return NewKafkaDiagnosticsSink(producer, topic, diagnostics, DefaultKafkaDiagnosticsSinkSettings())
}

func NewKafkaDiagnosticsSink(
	producer sarama.SyncProducer,
	topic string,
	diagnostics *Diagnostics,
	settings *KafkaDiagnosticsSinkSettings,
) *KafkaDiagnosticsSink {
	sink := &KafkaDiagnosticsSink{
		producer: producer,
		topic:    topic,
		settings: settings,
		queue:    make(chan *DiagnosticEvent, settings.QueueSize),
	}
	for i := 0; i < settings.Workers; i += 1 {
		go sink.workerLoop(i)
	}
	sink.removeSink = diagnostics.AddSink(sink.record)
	return sink
}

func (self *KafkaDiagnosticsSink) record(event *DiagnosticEvent) {
	select {
	case self.queue <- event:
	default:
		// queue full, drop. Diagnostics are best effort.
		glog.V(1).Infof("[diag]kafka queue full, drop %s\n", event.Type)
	}
}

func (self *KafkaDiagnosticsSink) workerLoop(workerId int) {
	for event := range self.queue {
		self.sendWithRetry(workerId, event)
	}
}

func (self *KafkaDiagnosticsSink) sendWithRetry(workerId int, event *DiagnosticEvent) {
	for attempt := 0; attempt <= self.settings.MaxRetry; attempt += 1 {
		err := self.sendOnce(event)
		if err == nil {
			return
		}
		if attempt == self.settings.MaxRetry {
			glog.Infof("[diag]kafka send failed, drop event type=%s doc=%s worker=%d err=%s\n",
				event.Type, event.DocumentId, workerId, err)
			return
		}
		backoff := self.settings.BaseBackoff * time.Duration(1<<attempt)
		if self.settings.MaxBackoff < backoff {
			backoff = self.settings.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (self *KafkaDiagnosticsSink) sendOnce(event *DiagnosticEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: self.topic,
		Key:   sarama.StringEncoder(event.DocumentId),
		Value: sarama.ByteEncoder(eventBytes),
	}
	_, _, err = self.producer.SendMessage(message)
	return err
}

func (self *KafkaDiagnosticsSink) Close() {
	self.closeOnce.Do(func() {
		self.removeSink()
		close(self.queue)
	})
}

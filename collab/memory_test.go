package collab

import (
	"context"
	"fmt"
	"sync"
)

// in-memory pub/sub hub. Publishing fans out to every subscription on the
// topic, including the publisher, which matches the broadcast behavior the
// echo filter exists for.
type memoryHub struct {
	stateLock sync.Mutex
	topics    map[string][]*memorySubscription
	published map[string]int
}

func newMemoryHub() *memoryHub {
	return &memoryHub{
		topics:    map[string][]*memorySubscription{},
		published: map[string]int{},
	}
}

func (self *memoryHub) PublishCount(topic string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.published[topic]
}

func (self *memoryHub) SubscriberCount(topic string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.topics[topic])
}

func (self *memoryHub) Subscribe(ctx context.Context, topic string, receive ReceiveFunction) (TransportSubscription, error) {
	sub := &memorySubscription{
		hub:     self,
		topic:   topic,
		receive: receive,
		done:    make(chan struct{}),
	}

	self.stateLock.Lock()
	self.topics[topic] = append(self.topics[topic], sub)
	self.stateLock.Unlock()

	return sub, nil
}

type memorySubscription struct {
	hub     *memoryHub
	topic   string
	receive ReceiveFunction

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (self *memorySubscription) Publish(ctx context.Context, data []byte) error {
	select {
	case <-self.done:
		return fmt.Errorf("subscription closed")
	default:
	}

	self.hub.stateLock.Lock()
	self.hub.published[self.topic] += 1
	subs := make([]*memorySubscription, len(self.hub.topics[self.topic]))
	copy(subs, self.hub.topics[self.topic])
	self.hub.stateLock.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		default:
			sub.receive(data)
		}
	}
	return nil
}

func (self *memorySubscription) Done() <-chan struct{} {
	return self.done
}

func (self *memorySubscription) Err() error {
	return self.err
}

func (self *memorySubscription) Close() {
	self.closeOnce.Do(func() {
		self.hub.stateLock.Lock()
		subs := self.hub.topics[self.topic]
		for i, sub := range subs {
			if sub == self {
				self.hub.topics[self.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		self.hub.stateLock.Unlock()
		close(self.done)
	})
}

// fail simulates a transport drop, ending every subscription on the topic
func (self *memoryHub) fail(topic string, err error) {
	self.stateLock.Lock()
	subs := self.topics[topic]
	delete(self.topics, topic)
	self.stateLock.Unlock()

	for _, sub := range subs {
		sub.err = err
		sub.closeOnce.Do(func() {
			close(sub.done)
		})
	}
}

// in-memory `DocumentStore` with a switchable error mode
type memoryStore struct {
	stateLock  sync.Mutex
	documents  map[string]*Document
	versionErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		documents: map[string]*Document{},
	}
}

func (self *memoryStore) setVersionErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.versionErr = err
}

func (self *memoryStore) put(document *Document) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.documents[document.Id] = document.Copy()
}

func (self *memoryStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[documentId]
	if !ok {
		return nil, fmt.Errorf("document not found: %s", documentId)
	}
	return document.Copy(), nil
}

func (self *memoryStore) GetDocumentVersion(ctx context.Context, documentId string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.versionErr != nil {
		return 0, self.versionErr
	}
	document, ok := self.documents[documentId]
	if !ok {
		return 0, fmt.Errorf("document not found: %s", documentId)
	}
	return document.Version, nil
}

func (self *memoryStore) PutDocument(ctx context.Context, document *Document) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document.Version += 1
	self.documents[document.Id] = document.Copy()
	return nil
}

func testDocument(documentId string) *Document {
	return &Document{
		Id: documentId,
		Globals: map[string]any{
			"title":    "morning show",
			"timezone": "Europe/London",
		},
		Items: []*Item{
			{
				Id: "X",
				Fields: map[string]any{
					"script":   "original",
					"duration": "2:00",
				},
			},
			{
				Id: "Y",
				Fields: map[string]any{
					"script": "second item",
				},
			},
		},
		Version: 1,
	}
}

package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

type RedisTransportSettings struct {
	ChannelPrefix string
}

func DefaultRedisTransportSettings() *RedisTransportSettings {
	return &RedisTransportSettings{
		ChannelPrefix: "rundown:topic:",
	}
}

// redis pub/sub transport. A document topic maps 1:1 to a redis channel.
// redis pub/sub is fire-and-forget with no persistence, which matches the
// best-effort transport contract exactly.
type RedisTransport struct {
	client redis.UniversalClient

	settings *RedisTransportSettings
}

func NewRedisTransportWithDefaults(client redis.UniversalClient) *RedisTransport {
	return NewRedisTransport(client, DefaultRedisTransportSettings())
}

func NewRedisTransport(client redis.UniversalClient, settings *RedisTransportSettings) *RedisTransport {
	return &RedisTransport{
		client:   client,
		settings: settings,
	}
}

func (self *RedisTransport) channel(topic string) string {
	return self.settings.ChannelPrefix + topic
}

func (self *RedisTransport) Subscribe(ctx context.Context, topic string, receive ReceiveFunction) (TransportSubscription, error) {
	pubsub := self.client.Subscribe(ctx, self.channel(topic))
	// wait for the subscription confirmation so that a bad connection
	// surfaces here instead of as silence
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	handleCtx, handleCancel := context.WithCancel(ctx)
	sub := &redisTransportSubscription{
		ctx:       handleCtx,
		cancel:    handleCancel,
		transport: self,
		topic:     topic,
		pubsub:    pubsub,
		done:      make(chan struct{}),
	}
	go sub.readLoop(receive)
	return sub, nil
}

type redisTransportSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *RedisTransport
	topic     string
	pubsub    *redis.PubSub
	done      chan struct{}

	errLock sync.Mutex
	err     error
}

func (self *redisTransportSubscription) readLoop(receive ReceiveFunction) {
	defer func() {
		self.pubsub.Close()
		close(self.done)
	}()

	messages := self.pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				self.errLock.Lock()
				if self.err == nil {
					self.err = fmt.Errorf("pubsub closed")
				}
				self.errLock.Unlock()
				return
			}
			HandleError(func() {
				receive([]byte(message.Payload))
			})
			glog.V(2).Infof("[rt]%s<-\n", self.topic)
		}
	}
}

func (self *redisTransportSubscription) Publish(ctx context.Context, data []byte) error {
	return self.transport.client.Publish(ctx, self.transport.channel(self.topic), data).Err()
}

func (self *redisTransportSubscription) Done() <-chan struct{} {
	return self.done
}

func (self *redisTransportSubscription) Err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()

	return self.err
}

func (self *redisTransportSubscription) Close() {
	self.cancel()
}

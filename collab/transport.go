package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const transportBufferSize = 8

type ReceiveFunction = func(data []byte)

// a named pub/sub topic per document. Delivery is at-least-once within a
// live connection, with no guarantee across disconnects, and messages are
// visible to the sender. The channel manager owns reconnection; a
// subscription that ends stays ended.
type Transport interface {
	Subscribe(ctx context.Context, topic string, receive ReceiveFunction) (TransportSubscription, error)
}

type TransportSubscription interface {
	Publish(ctx context.Context, data []byte) error
	// closed when the subscription ends for any reason
	Done() <-chan struct{}
	// the reason the subscription ended, valid after `Done`
	Err() error
	Close()
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type wsAuth struct {
	ByJwt string `json:"by_jwt"`
	TabId Id     `json:"tab_id"`
}

// websocket transport against a realtime gateway. One socket per topic.
type WsTransport struct {
	gatewayUrl string
	session    *Session
	tabId      Id

	settings *WsTransportSettings
}

func NewWsTransportWithDefaults(gatewayUrl string, session *Session, tabId Id) *WsTransport {
	return NewWsTransport(gatewayUrl, session, tabId, DefaultWsTransportSettings())
}

func NewWsTransport(gatewayUrl string, session *Session, tabId Id, settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		gatewayUrl: gatewayUrl,
		session:    session,
		tabId:      tabId,
		settings:   settings,
	}
}

func (self *WsTransport) Subscribe(ctx context.Context, topic string, receive ReceiveFunction) (TransportSubscription, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	topicUrl := fmt.Sprintf("%s?topic=%s", self.gatewayUrl, topic)
	ws, _, err := dialer.DialContext(ctx, topicUrl, http.Header{})
	if err != nil {
		return nil, err
	}

	authBytes, err := json.Marshal(&wsAuth{
		ByJwt: self.session.ByJwt(),
		TabId: self.tabId,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		ws.Close()
		return nil, err
	} else {
		// verify the auth echo
		switch messageType {
		case websocket.BinaryMessage:
			if !bytes.Equal(authBytes, message) {
				ws.Close()
				return nil, fmt.Errorf("auth response error: bad bytes")
			}
		default:
			ws.Close()
			return nil, fmt.Errorf("auth response error")
		}
	}

	handleCtx, handleCancel := context.WithCancel(ctx)
	sub := &wsTransportSubscription{
		ctx:      handleCtx,
		cancel:   handleCancel,
		topic:    topic,
		ws:       ws,
		settings: self.settings,
		send:     make(chan []byte, transportBufferSize),
		done:     make(chan struct{}),
	}
	go sub.writeLoop()
	go sub.readLoop(receive)
	go func() {
		<-handleCtx.Done()
		ws.Close()
		close(sub.done)
	}()
	return sub, nil
}

type wsTransportSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	topic    string
	ws       *websocket.Conn
	settings *WsTransportSettings

	send chan []byte
	done chan struct{}

	errLock sync.Mutex
	err     error
}

func (self *wsTransportSubscription) setErr(err error) {
	self.errLock.Lock()
	if self.err == nil {
		self.err = err
	}
	self.errLock.Unlock()
	self.cancel()
}

func (self *wsTransportSubscription) writeLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", self.topic, err)
				self.setErr(err)
				return
			}
			glog.V(2).Infof("[ws]%s->\n", self.topic)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				self.setErr(err)
				return
			}
		}
	}
}

func (self *wsTransportSubscription) readLoop(receive ReceiveFunction) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]%s<- error = %s\n", self.topic, err)
			self.setErr(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping %s<-\n", self.topic)
				continue
			}
			HandleError(func() {
				receive(message)
			})
			glog.V(2).Infof("[ws]%s<-\n", self.topic)
		default:
			glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, self.topic)
		}
	}
}

func (self *wsTransportSubscription) Publish(ctx context.Context, data []byte) error {
	select {
	case self.send <- data:
		return nil
	case <-self.ctx.Done():
		return fmt.Errorf("subscription closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *wsTransportSubscription) Done() <-chan struct{} {
	return self.done
}

func (self *wsTransportSubscription) Err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()

	return self.err
}

func (self *wsTransportSubscription) Close() {
	self.cancel()
}

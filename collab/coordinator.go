package collab

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

// components register a reconnect callback that external coordination
// logic can invoke instead of waiting out each component's own backoff
// timer, preventing many independently reconnecting channels from
// storming the transport simultaneously.
type ReconnectRegistry interface {
	Register(name string, kind string, reconnect func()) func()
}

type ReconnectCoordinatorSettings struct {
	// maximum random stagger between callback dispatches
	StaggerTimeout time.Duration
}

func DefaultReconnectCoordinatorSettings() *ReconnectCoordinatorSettings {
	return &ReconnectCoordinatorSettings{
		StaggerTimeout: 2 * time.Second,
	}
}

type reconnectRegistration struct {
	registrationId Id
	name           string
	kind           string
	reconnect      func()
}

// in-process coordinator. Dispatches registered callbacks with a random
// stagger so that reconnects spread out instead of arriving as one burst.
type ReconnectCoordinator struct {
	settings *ReconnectCoordinatorSettings

	stateLock     sync.Mutex
	registrations map[Id]*reconnectRegistration
}

func NewReconnectCoordinatorWithDefaults() *ReconnectCoordinator {
	return NewReconnectCoordinator(DefaultReconnectCoordinatorSettings())
}

func NewReconnectCoordinator(settings *ReconnectCoordinatorSettings) *ReconnectCoordinator {
	return &ReconnectCoordinator{
		settings:      settings,
		registrations: map[Id]*reconnectRegistration{},
	}
}

func (self *ReconnectCoordinator) Register(name string, kind string, reconnect func()) func() {
	registration := &reconnectRegistration{
		registrationId: NewId(),
		name:           name,
		kind:           kind,
		reconnect:      reconnect,
	}

	self.stateLock.Lock()
	self.registrations[registration.registrationId] = registration
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		delete(self.registrations, registration.registrationId)
		self.stateLock.Unlock()
	}
}

func (self *ReconnectCoordinator) RegisteredCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.registrations)
}

// invokes every registered callback, each after a random delay within
// `StaggerTimeout`
func (self *ReconnectCoordinator) TriggerAll(reason string) {
	registrations := []*reconnectRegistration{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, registration := range self.registrations {
			registrations = append(registrations, registration)
		}
	}()

	glog.Infof("[rc]trigger all n=%d reason=%s\n", len(registrations), reason)
	for _, registration := range registrations {
		registration := registration
		stagger := time.Duration(mathrand.Int63n(int64(self.settings.StaggerTimeout) + 1))
		go func() {
			time.Sleep(stagger)
			HandleError(registration.reconnect)
		}()
	}
}

package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ShadowRegistrySettings struct {
	// a shadow not refreshed within this window is removed by its timer
	InactivityTimeout time.Duration
	// outer bound after which an entry is treated as expired even if
	// its timer never fired, e.g. a suspended background tab
	SafetyTimeout time.Duration
	// how long a remote focus roster entry stays visible without refresh
	RosterTimeout time.Duration
}

func DefaultShadowRegistrySettings() *ShadowRegistrySettings {
	return &ShadowRegistrySettings{
		InactivityTimeout: 30 * time.Second,
		SafetyTimeout:     5 * time.Minute,
		RosterTimeout:     60 * time.Second,
	}
}

type ShadowEntry struct {
	Key        FieldKey
	Owner      string
	UpdateTime time.Time
}

type RosterEntry struct {
	Key        FieldKey
	UserId     Id
	UserName   string
	TabId      Id
	UpdateTime time.Time
}

// records which fields are under active local edit. Purely advisory state
// consulted by the conflict resolver and gap resolver; never mutates
// document content. A field key has at most one live shadow at a time.
type ShadowRegistry struct {
	settings *ShadowRegistrySettings

	stateLock sync.Mutex
	// document id -> field key -> entry
	documentShadows map[string]map[FieldKey]*ShadowEntry
	shadowTimers    map[string]map[FieldKey]*Timer
	// document id -> field key -> remote editor presence
	documentRosters map[string]map[FieldKey]*RosterEntry

	shadowsClearedCallbacks *CallbackList[func(documentId string)]
}

func NewShadowRegistryWithDefaults() *ShadowRegistry {
	return NewShadowRegistry(DefaultShadowRegistrySettings())
}

func NewShadowRegistry(settings *ShadowRegistrySettings) *ShadowRegistry {
	return &ShadowRegistry{
		settings:                settings,
		documentShadows:         map[string]map[FieldKey]*ShadowEntry{},
		shadowTimers:            map[string]map[FieldKey]*Timer{},
		documentRosters:         map[string]map[FieldKey]*RosterEntry{},
		shadowsClearedCallbacks: NewCallbackList[func(documentId string)](),
	}
}

// fires whenever the last shadow for a document is removed.
// the conflict resolver uses this to replay queued conflicts.
func (self *ShadowRegistry) AddShadowsClearedCallback(callback func(documentId string)) func() {
	callbackId := self.shadowsClearedCallbacks.Add(callback)
	return func() {
		self.shadowsClearedCallbacks.Remove(callbackId)
	}
}

// installs or refreshes a shadow, resetting its inactivity timer
func (self *ShadowRegistry) SetFieldFocus(documentId string, itemId string, field string, owner string) {
	key := NewFieldKey(itemId, field)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shadows, ok := self.documentShadows[documentId]
	if !ok {
		shadows = map[FieldKey]*ShadowEntry{}
		self.documentShadows[documentId] = shadows
		self.shadowTimers[documentId] = map[FieldKey]*Timer{}
	}
	shadows[key] = &ShadowEntry{
		Key:        key,
		Owner:      owner,
		UpdateTime: time.Now(),
	}

	if timer, ok := self.shadowTimers[documentId][key]; ok {
		timer.Cancel()
	}
	self.shadowTimers[documentId][key] = NewTimer(self.settings.InactivityTimeout, func() {
		glog.V(1).Infof("[sh]expire %s %s\n", documentId, key)
		self.ClearFieldFocus(documentId, itemId, field)
	})
}

// explicit removal, e.g. on blur
func (self *ShadowRegistry) ClearFieldFocus(documentId string, itemId string, field string) {
	key := NewFieldKey(itemId, field)

	cleared := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		shadows, ok := self.documentShadows[documentId]
		if !ok {
			return
		}
		if _, ok := shadows[key]; !ok {
			return
		}
		delete(shadows, key)
		if timer, ok := self.shadowTimers[documentId][key]; ok {
			timer.Cancel()
			delete(self.shadowTimers[documentId], key)
		}
		cleared = len(shadows) == 0
	}()

	if cleared {
		for _, callback := range self.shadowsClearedCallbacks.Get() {
			HandleError(func() {
				callback(documentId)
			})
		}
	}
}

// returns all field keys for the document still within the safety window,
// purging anything older as a side effect
func (self *ShadowRegistry) GetProtectedFields(documentId string) []FieldKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shadows, ok := self.documentShadows[documentId]
	if !ok {
		return []FieldKey{}
	}

	minUpdateTime := time.Now().Add(-self.settings.SafetyTimeout)
	keys := []FieldKey{}
	for key, entry := range shadows {
		if entry.UpdateTime.Before(minUpdateTime) {
			delete(shadows, key)
			if timer, ok := self.shadowTimers[documentId][key]; ok {
				timer.Cancel()
				delete(self.shadowTimers[documentId], key)
			}
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (self *ShadowRegistry) HasShadow(documentId string, key FieldKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shadows, ok := self.documentShadows[documentId]
	if !ok {
		return false
	}
	entry, ok := shadows[key]
	if !ok {
		return false
	}
	return !entry.UpdateTime.Before(time.Now().Add(-self.settings.SafetyTimeout))
}

func (self *ShadowRegistry) HasAnyShadow(documentId string) bool {
	return 0 < len(self.GetProtectedFields(documentId))
}

// wipes all entries for a document, e.g. navigation away
func (self *ShadowRegistry) ClearDocumentFocus(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, timer := range self.shadowTimers[documentId] {
		timer.Cancel()
	}
	delete(self.documentShadows, documentId)
	delete(self.shadowTimers, documentId)
	delete(self.documentRosters, documentId)
}

// records a remote focus signal into the who-is-editing-what roster
func (self *ShadowRegistry) UpdateRoster(focus *FocusUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	roster, ok := self.documentRosters[focus.DocumentId]
	if !ok {
		roster = map[FieldKey]*RosterEntry{}
		self.documentRosters[focus.DocumentId] = roster
	}

	key := focus.FieldKey()
	if !focus.IsFocused {
		if entry, ok := roster[key]; ok && entry.TabId == focus.TabId {
			delete(roster, key)
		}
		return
	}
	roster[key] = &RosterEntry{
		Key:        key,
		UserId:     focus.UserId,
		UserName:   focus.UserName,
		TabId:      focus.TabId,
		UpdateTime: time.Now(),
	}
}

func (self *ShadowRegistry) Roster(documentId string) map[FieldKey]*RosterEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	roster, ok := self.documentRosters[documentId]
	if !ok {
		return map[FieldKey]*RosterEntry{}
	}

	minUpdateTime := time.Now().Add(-self.settings.RosterTimeout)
	for key, entry := range roster {
		if entry.UpdateTime.Before(minUpdateTime) {
			delete(roster, key)
		}
	}
	return maps.Clone(roster)
}

func (self *ShadowRegistry) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, timers := range self.shadowTimers {
		for _, timer := range timers {
			timer.Cancel()
		}
	}
	self.documentShadows = map[string]map[FieldKey]*ShadowEntry{}
	self.shadowTimers = map[string]map[FieldKey]*Timer{}
	self.documentRosters = map[string]map[FieldKey]*RosterEntry{}
}

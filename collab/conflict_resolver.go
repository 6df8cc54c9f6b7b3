package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type ResolutionPriority string

const (
	PriorityLocal  ResolutionPriority = "local"
	PriorityRemote ResolutionPriority = "remote"
	PriorityMerge  ResolutionPriority = "merge"
)

// the decision for one incoming update. `Priority` records which side's
// value wins and nothing more.
type Resolution struct {
	ShouldApply bool
	Priority    ResolutionPriority
	Rule        int
	Reason      string
}

type ConflictResolverSettings struct {
	// rule 2: a local fingerprint within this window before the incoming
	// timestamp still counts as racing the incoming update
	RecentSendWindow time.Duration
	// how long a rejected update stays queued for replay
	QueueRetention time.Duration
}

func DefaultConflictResolverSettings() *ConflictResolverSettings {
	return &ConflictResolverSettings{
		RecentSendWindow: 1 * time.Second,
		QueueRetention:   30 * time.Second,
	}
}

type pendingConflict struct {
	update     *CellUpdate
	queuedTime time.Time
}

// per-message decision engine. Consumes the shadow registry and the
// fingerprint ledger to decide apply or queue for one incoming update.
type ConflictResolver struct {
	settings *ConflictResolverSettings
	shadows  *ShadowRegistry
	ledger   *FingerprintLedger

	localUserId Id
	localTabId  Id

	stateLock sync.Mutex
	// document id -> field key -> timestamp of the last applied update
	lastApplied map[string]map[FieldKey]time.Time
	// document id -> field key -> timestamp of the last resolution of any outcome
	lastResolution map[string]map[FieldKey]time.Time
	// document id -> field key -> rejected updates awaiting replay
	pending map[string]map[FieldKey][]*pendingConflict
}

func NewConflictResolverWithDefaults(shadows *ShadowRegistry, ledger *FingerprintLedger, localUserId Id, localTabId Id) *ConflictResolver {
	return NewConflictResolver(shadows, ledger, localUserId, localTabId, DefaultConflictResolverSettings())
}

func NewConflictResolver(
	shadows *ShadowRegistry,
	ledger *FingerprintLedger,
	localUserId Id,
	localTabId Id,
	settings *ConflictResolverSettings,
) *ConflictResolver {
	return &ConflictResolver{
		settings:       settings,
		shadows:        shadows,
		ledger:         ledger,
		localUserId:    localUserId,
		localTabId:     localTabId,
		lastApplied:    map[string]map[FieldKey]time.Time{},
		lastResolution: map[string]map[FieldKey]time.Time{},
		pending:        map[string]map[FieldKey][]*pendingConflict{},
	}
}

// applies the rule table in order, first match wins:
//  1. active shadow on the field: reject, never clobber in-progress keystrokes
//  2. local fingerprint newer than, or within `RecentSendWindow` older than,
//     the incoming timestamp: reject, avoid racing a just-sent local edit
//  3. different user, no shadow involvement: apply
//  4. same user, different tab: apply iff newer than the last applied
//     timestamp for the field
//  5. fallback: apply iff newer than the last resolution for the field
//
// rejected updates are queued for replay, see `ProcessQueuedConflicts`
func (self *ConflictResolver) Resolve(update *CellUpdate) *Resolution {
	key := update.FieldKey()

	resolution := self.decide(update, key)

	self.stateLock.Lock()
	self.recordResolution(update.DocumentId, key, update.Timestamp)
	if resolution.ShouldApply {
		self.recordApplied(update.DocumentId, key, update.Timestamp)
	} else {
		self.enqueue(update.DocumentId, key, update)
	}
	self.stateLock.Unlock()

	glog.V(2).Infof(
		"[cr]%s %s rule=%d apply=%t (%s)\n",
		update.DocumentId,
		key,
		resolution.Rule,
		resolution.ShouldApply,
		resolution.Reason,
	)
	return resolution
}

func (self *ConflictResolver) decide(update *CellUpdate, key FieldKey) *Resolution {
	// rule 1
	if self.shadows.HasShadow(update.DocumentId, key) {
		return &Resolution{
			ShouldApply: false,
			Priority:    PriorityLocal,
			Rule:        1,
			Reason:      "field has an active local edit",
		}
	}

	// rule 2
	if localTimestamp, ok := self.ledger.LatestFieldTimestamp(update.DocumentId, key); ok {
		if localTimestamp.After(update.Timestamp.Add(-self.settings.RecentSendWindow)) {
			return &Resolution{
				ShouldApply: false,
				Priority:    PriorityLocal,
				Rule:        2,
				Reason:      "racing a recent local edit",
			}
		}
	}

	// rule 3
	if update.UserId != self.localUserId {
		return &Resolution{
			ShouldApply: true,
			Priority:    PriorityRemote,
			Rule:        3,
			Reason:      "unrelated remote edit",
		}
	}

	// rule 4: same user from another tab. True echoes (same tab id) were
	// already dropped by the channel manager's echo filter.
	if update.TabId != self.localTabId {
		if update.Timestamp.After(self.lastAppliedTimestamp(update.DocumentId, key)) {
			return &Resolution{
				ShouldApply: true,
				Priority:    PriorityRemote,
				Rule:        4,
				Reason:      "newer edit from another tab",
			}
		}
		return &Resolution{
			ShouldApply: false,
			Priority:    PriorityLocal,
			Rule:        4,
			Reason:      "stale duplicate from another tab",
		}
	}

	// rule 5
	if update.Timestamp.After(self.lastResolutionTimestamp(update.DocumentId, key)) {
		return &Resolution{
			ShouldApply: true,
			Priority:    PriorityRemote,
			Rule:        5,
			Reason:      "newer than last resolution",
		}
	}
	return &Resolution{
		ShouldApply: false,
		Priority:    PriorityLocal,
		Rule:        5,
		Reason:      "older than last resolution",
	}
}

func (self *ConflictResolver) lastAppliedTimestamp(documentId string, key FieldKey) time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if applied, ok := self.lastApplied[documentId]; ok {
		return applied[key]
	}
	return time.Time{}
}

func (self *ConflictResolver) lastResolutionTimestamp(documentId string, key FieldKey) time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if resolutions, ok := self.lastResolution[documentId]; ok {
		return resolutions[key]
	}
	return time.Time{}
}

// must be called with `stateLock`
func (self *ConflictResolver) recordApplied(documentId string, key FieldKey, timestamp time.Time) {
	applied, ok := self.lastApplied[documentId]
	if !ok {
		applied = map[FieldKey]time.Time{}
		self.lastApplied[documentId] = applied
	}
	if applied[key].Before(timestamp) {
		applied[key] = timestamp
	}
}

// must be called with `stateLock`
func (self *ConflictResolver) recordResolution(documentId string, key FieldKey, timestamp time.Time) {
	resolutions, ok := self.lastResolution[documentId]
	if !ok {
		resolutions = map[FieldKey]time.Time{}
		self.lastResolution[documentId] = resolutions
	}
	if resolutions[key].Before(timestamp) {
		resolutions[key] = timestamp
	}
}

// must be called with `stateLock`
func (self *ConflictResolver) enqueue(documentId string, key FieldKey, update *CellUpdate) {
	pending, ok := self.pending[documentId]
	if !ok {
		pending = map[FieldKey][]*pendingConflict{}
		self.pending[documentId] = pending
	}
	pending[key] = append(pending[key], &pendingConflict{
		update:     update,
		queuedTime: time.Now(),
	})
	self.purgePending(documentId)
}

// must be called with `stateLock`
func (self *ConflictResolver) purgePending(documentId string) {
	minQueuedTime := time.Now().Add(-self.settings.QueueRetention)
	pending, ok := self.pending[documentId]
	if !ok {
		return
	}
	for key, queue := range pending {
		i := 0
		for ; i < len(queue) && queue[i].queuedTime.Before(minQueuedTime); i += 1 {
		}
		if i == len(queue) {
			delete(pending, key)
		} else if 0 < i {
			pending[key] = queue[i:]
		}
	}
}

// replays the newest queued entry per field key through the rule table and
// invokes `apply` for any that now pass. Call when no shadows remain active
// anywhere in the document.
func (self *ConflictResolver) ProcessQueuedConflicts(documentId string, apply func(update *CellUpdate)) int {
	newest := map[FieldKey]*CellUpdate{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.purgePending(documentId)
		pending, ok := self.pending[documentId]
		if !ok {
			return
		}
		for key, queue := range pending {
			if 0 < len(queue) {
				newest[key] = queue[len(queue)-1].update
			}
		}
	}()

	replayed := 0
	for key, update := range newest {
		resolution := self.decide(update, key)
		if !resolution.ShouldApply {
			continue
		}

		self.stateLock.Lock()
		self.recordResolution(documentId, key, update.Timestamp)
		self.recordApplied(documentId, key, update.Timestamp)
		if pending, ok := self.pending[documentId]; ok {
			delete(pending, key)
		}
		self.stateLock.Unlock()

		glog.V(1).Infof("[cr]replay %s %s\n", documentId, key)
		HandleError(func() {
			apply(update)
		})
		replayed += 1
	}
	return replayed
}

// operator escape hatch: applies the newest queued entry per field
// regardless of the rule table, then clears the queue
func (self *ConflictResolver) ForceResolveAll(documentId string, apply func(update *CellUpdate)) int {
	newest := map[FieldKey]*CellUpdate{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		pending, ok := self.pending[documentId]
		if !ok {
			return
		}
		for key, queue := range pending {
			if 0 < len(queue) {
				newest[key] = queue[len(queue)-1].update
			}
		}
		delete(self.pending, documentId)
	}()

	for key, update := range newest {
		self.stateLock.Lock()
		self.recordResolution(documentId, key, update.Timestamp)
		self.recordApplied(documentId, key, update.Timestamp)
		self.stateLock.Unlock()

		HandleError(func() {
			apply(update)
		})
	}
	return len(newest)
}

func (self *ConflictResolver) ClearAllConflicts(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.pending, documentId)
}

func (self *ConflictResolver) PendingCount(documentId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, queue := range self.pending[documentId] {
		count += len(queue)
	}
	return count
}

func (self *ConflictResolver) ClearDocument(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.lastApplied, documentId)
	delete(self.lastResolution, documentId)
	delete(self.pending, documentId)
}

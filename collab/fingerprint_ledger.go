package collab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OperationKind string

const (
	OperationKindCellUpdate OperationKind = "cell_update"
	OperationKindStructural OperationKind = "structural"
)

// a recorded local mutation used for later conflict detection
type Fingerprint struct {
	Kind OperationKind
	// an item id, or `GlobalItemId`
	Target     string
	Field      string
	Value      any
	ValueHash  string
	Timestamp  time.Time
	ClientId   Id
	SequenceId uint64
}

func (self *Fingerprint) FieldKey() FieldKey {
	return NewFieldKey(self.Target, self.Field)
}

// one field whose local history disagrees with a server snapshot
type FieldConflict struct {
	Key            FieldKey
	LocalValue     any
	ServerValue    any
	LocalTimestamp time.Time
}

type FingerprintLedgerSettings struct {
	// sliding retention window. Bounds both memory and the lookback
	// horizon for conflict detection.
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

func DefaultFingerprintLedgerSettings() *FingerprintLedgerSettings {
	return &FingerprintLedgerSettings{
		RetentionWindow: 30 * time.Second,
		SweepInterval:   10 * time.Second,
	}
}

// records recent local mutations and answers "does the server's value for
// this field conflict with something I just did". Entries are purged on
// insert and by a periodic sweep.
type FingerprintLedger struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *FingerprintLedgerSettings
	shadows  *ShadowRegistry

	stateLock sync.Mutex
	// document id -> fingerprint key -> fingerprint
	documentFingerprints map[string]map[string]*Fingerprint
	// document id -> field key -> ordered history of recent local values
	documentChangeLogs map[string]map[FieldKey][]*Fingerprint
	nextSequenceId     uint64
}

func NewFingerprintLedgerWithDefaults(ctx context.Context, shadows *ShadowRegistry) *FingerprintLedger {
	return NewFingerprintLedger(ctx, shadows, DefaultFingerprintLedgerSettings())
}

func NewFingerprintLedger(ctx context.Context, shadows *ShadowRegistry, settings *FingerprintLedgerSettings) *FingerprintLedger {
	cancelCtx, cancel := context.WithCancel(ctx)
	ledger := &FingerprintLedger{
		ctx:                  cancelCtx,
		cancel:               cancel,
		settings:             settings,
		shadows:              shadows,
		documentFingerprints: map[string]map[string]*Fingerprint{},
		documentChangeLogs:   map[string]map[FieldKey][]*Fingerprint{},
	}
	go ledger.run()
	return ledger
}

func (self *FingerprintLedger) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.stateLock.Lock()
			for documentId := range self.documentFingerprints {
				self.purge(documentId)
			}
			self.stateLock.Unlock()
		}
	}
}

func hashValue(value any) string {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		valueBytes = []byte(fmt.Sprintf("%v", value))
	}
	hash := sha256.Sum256(valueBytes)
	return hex.EncodeToString(hash[:])
}

// computes a content hash of the serialized value, stores the fingerprint,
// appends to the field's change log, and returns the composite key
func (self *FingerprintLedger) CreateFingerprint(
	documentId string,
	kind OperationKind,
	target string,
	value any,
	field string,
	clientId Id,
) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.purge(documentId)

	self.nextSequenceId += 1
	fingerprint := &Fingerprint{
		Kind:       kind,
		Target:     target,
		Field:      field,
		Value:      value,
		ValueHash:  hashValue(value),
		Timestamp:  time.Now(),
		ClientId:   clientId,
		SequenceId: self.nextSequenceId,
	}

	fingerprintKey := fmt.Sprintf(
		"%s:%s:%s:%s:%d",
		kind,
		target,
		field,
		fingerprint.ValueHash,
		fingerprint.Timestamp.UnixMilli(),
	)

	fingerprints, ok := self.documentFingerprints[documentId]
	if !ok {
		fingerprints = map[string]*Fingerprint{}
		self.documentFingerprints[documentId] = fingerprints
		self.documentChangeLogs[documentId] = map[FieldKey][]*Fingerprint{}
	}
	fingerprints[fingerprintKey] = fingerprint

	key := fingerprint.FieldKey()
	self.documentChangeLogs[documentId][key] = append(self.documentChangeLogs[documentId][key], fingerprint)

	glog.V(2).Infof("[fp]record %s %s seq=%d\n", documentId, key, fingerprint.SequenceId)
	return fingerprintKey
}

// must be called with `stateLock`
func (self *FingerprintLedger) purge(documentId string) {
	minTimestamp := time.Now().Add(-self.settings.RetentionWindow)

	fingerprints, ok := self.documentFingerprints[documentId]
	if !ok {
		return
	}
	for fingerprintKey, fingerprint := range fingerprints {
		if fingerprint.Timestamp.Before(minTimestamp) {
			delete(fingerprints, fingerprintKey)
		}
	}

	changeLogs := self.documentChangeLogs[documentId]
	for key, log := range changeLogs {
		i := 0
		for ; i < len(log) && log[i].Timestamp.Before(minTimestamp); i += 1 {
		}
		if i == len(log) {
			delete(changeLogs, key)
		} else if 0 < i {
			changeLogs[key] = log[i:]
		}
	}
}

// the timestamp of the newest change log entry for the field key
func (self *FingerprintLedger) LatestFieldTimestamp(documentId string, key FieldKey) (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changeLogs, ok := self.documentChangeLogs[documentId]
	if !ok {
		return time.Time{}, false
	}
	log, ok := changeLogs[key]
	if !ok || len(log) == 0 {
		return time.Time{}, false
	}
	return log[len(log)-1].Timestamp, true
}

// true if the field's change log has an entry newer than `serverTimestamp`
// whose value differs from `serverValue`
func (self *FingerprintLedger) HasConflictingOperation(
	documentId string,
	target string,
	field string,
	serverValue any,
	serverTimestamp time.Time,
) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.conflictingEntry(documentId, NewFieldKey(target, field), serverValue, serverTimestamp) != nil
}

// must be called with `stateLock`
func (self *FingerprintLedger) conflictingEntry(
	documentId string,
	key FieldKey,
	serverValue any,
	serverTimestamp time.Time,
) *Fingerprint {
	changeLogs, ok := self.documentChangeLogs[documentId]
	if !ok {
		return nil
	}
	log, ok := changeLogs[key]
	if !ok {
		return nil
	}
	minTimestamp := time.Now().Add(-self.settings.RetentionWindow)
	for i := len(log) - 1; 0 <= i; i -= 1 {
		entry := log[i]
		if entry.Timestamp.Before(minTimestamp) {
			break
		}
		if !entry.Timestamp.After(serverTimestamp) {
			break
		}
		if !ValuesEqual(entry.Value, serverValue) {
			return entry
		}
	}
	return nil
}

// scans the fixed global-field set plus every item field of the server
// snapshot, returning one record per field with a genuine conflict
func (self *FingerprintLedger) GetConflictingOperations(
	documentId string,
	serverDocument *Document,
	serverTimestamp time.Time,
) []*FieldConflict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conflicts := []*FieldConflict{}

	for _, field := range GlobalFieldNames {
		key := GlobalFieldKey(field)
		if entry := self.conflictingEntry(documentId, key, serverDocument.Globals[field], serverTimestamp); entry != nil {
			conflicts = append(conflicts, &FieldConflict{
				Key:            key,
				LocalValue:     entry.Value,
				ServerValue:    serverDocument.Globals[field],
				LocalTimestamp: entry.Timestamp,
			})
		}
	}

	for _, item := range serverDocument.Items {
		for field, serverValue := range item.Fields {
			key := NewFieldKey(item.Id, field)
			if entry := self.conflictingEntry(documentId, key, serverValue, serverTimestamp); entry != nil {
				conflicts = append(conflicts, &FieldConflict{
					Key:            key,
					LocalValue:     entry.Value,
					ServerValue:    serverValue,
					LocalTimestamp: entry.Timestamp,
				})
			}
		}
	}

	return conflicts
}

// fingerprints recorded within `window` of now
func (self *FingerprintLedger) RecentOperations(documentId string, window time.Duration) []*Fingerprint {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	minTimestamp := time.Now().Add(-window)
	recent := []*Fingerprint{}
	for _, fingerprint := range self.documentFingerprints[documentId] {
		if !fingerprint.Timestamp.Before(minTimestamp) {
			recent = append(recent, fingerprint)
		}
	}
	return recent
}

// starts from the server snapshot, overlays the live value of every
// currently shadowed field from the local document, and leaves everything
// else as the server's value
func (self *FingerprintLedger) ApplySelectiveMerge(
	documentId string,
	localDocument *Document,
	serverDocument *Document,
	serverTimestamp time.Time,
) (merged *Document, preserved []FieldKey, applied []FieldKey) {
	merged = serverDocument.Copy()
	preserved = []FieldKey{}
	applied = []FieldKey{}

	protectedKeys := self.shadows.GetProtectedFields(documentId)
	isProtected := map[FieldKey]bool{}
	for _, key := range protectedKeys {
		isProtected[key] = true
	}

	// overlay every protected field, not just the ones the server snapshot
	// still carries. A shadowed field on an item the server dropped is
	// re-inserted so the live edit survives the merge.
	for _, key := range protectedKeys {
		localValue, ok := localDocument.FieldValue(key)
		if !ok {
			continue
		}
		if !merged.SetFieldValue(key, localValue) {
			if localItem := localDocument.Item(key.ItemId); localItem != nil {
				merged.Items = append(merged.Items, localItem.Copy())
				merged.SetFieldValue(key, localValue)
			} else {
				continue
			}
		}
		preserved = append(preserved, key)
	}

	for _, field := range GlobalFieldNames {
		key := GlobalFieldKey(field)
		if !isProtected[key] {
			applied = append(applied, key)
		}
	}
	for _, item := range serverDocument.Items {
		for field := range item.Fields {
			key := NewFieldKey(item.Id, field)
			if !isProtected[key] {
				applied = append(applied, key)
			}
		}
	}

	glog.V(1).Infof("[fp]merge %s preserved=%d applied=%d\n", documentId, len(preserved), len(applied))
	return
}

func (self *FingerprintLedger) ClearDocument(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.documentFingerprints, documentId)
	delete(self.documentChangeLogs, documentId)
}

func (self *FingerprintLedger) Close() {
	self.cancel()
}

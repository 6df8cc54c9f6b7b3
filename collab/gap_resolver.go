package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/time/rate"
)

type GapResolutionRequest struct {
	CurrentDocument *Document
	ServerDocument  *Document
	ServerTimestamp time.Time
	ServerVersion   int64
	CurrentVersion  int64
	DocumentId      string
}

// the unit of communication from the gap resolver back to the
// document update pipeline
type GapResolutionResult struct {
	ShouldApply          bool
	MergedData           *Document
	Reason               string
	PreservedOperations  []string
	AppliedServerChanges []string
	ConflictsDetected    int
}

type GapResolverSettings struct {
	// minimum interval between resolutions for the same document
	MinResolveInterval time.Duration
	// a local operation newer than this window that the server snapshot
	// does not reflect defers wholesale adoption
	RecentOperationWindow time.Duration
	// deferred resolutions poll at this interval until no shadows remain
	RetryInterval time.Duration
	// after this long deferred, the server snapshot is force applied.
	// an engine that can stall indefinitely is worse than one that
	// occasionally discards a very stale edit.
	ForceApplyTimeout time.Duration
}

func DefaultGapResolverSettings() *GapResolverSettings {
	return &GapResolverSettings{
		MinResolveInterval:    1 * time.Second,
		RecentOperationWindow: 5 * time.Second,
		RetryInterval:         1 * time.Second,
		ForceApplyTimeout:     30 * time.Second,
	}
}

// document-wide reconciliation when a version gap is detected.
// consumes the shadow registry and fingerprint ledger and produces a
// merged document or a deferral.
type GapResolver struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings    *GapResolverSettings
	shadows     *ShadowRegistry
	ledger      *FingerprintLedger
	diagnostics *Diagnostics

	stateLock sync.Mutex
	inFlight  map[string]bool
	// document id -> limiter enforcing `MinResolveInterval`
	limiters map[string]*rate.Limiter
}

func NewGapResolverWithDefaults(
	ctx context.Context,
	shadows *ShadowRegistry,
	ledger *FingerprintLedger,
	diagnostics *Diagnostics,
) *GapResolver {
	return NewGapResolver(ctx, shadows, ledger, diagnostics, DefaultGapResolverSettings())
}

func NewGapResolver(
	ctx context.Context,
	shadows *ShadowRegistry,
	ledger *FingerprintLedger,
	diagnostics *Diagnostics,
	settings *GapResolverSettings,
) *GapResolver {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &GapResolver{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		shadows:     shadows,
		ledger:      ledger,
		diagnostics: diagnostics,
		inFlight:    map[string]bool{},
		limiters:    map[string]*rate.Limiter{},
	}
}

func (self *GapResolver) limiter(documentId string) *rate.Limiter {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	limiter, ok := self.limiters[documentId]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(self.settings.MinResolveInterval), 1)
		self.limiters[documentId] = limiter
	}
	return limiter
}

func deferResult(reason string) *GapResolutionResult {
	return &GapResolutionResult{
		ShouldApply:         false,
		Reason:              reason,
		PreservedOperations: []string{},
	}
}

// at most one resolution in flight per document. Concurrent requests are
// deferred, not queued and merged.
func (self *GapResolver) Resolve(request *GapResolutionRequest) *GapResolutionResult {
	documentId := request.DocumentId

	self.stateLock.Lock()
	if self.inFlight[documentId] {
		self.stateLock.Unlock()
		return deferResult("resolution already in progress")
	}
	self.inFlight[documentId] = true
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.inFlight, documentId)
		self.stateLock.Unlock()
	}()

	if !self.limiter(documentId).Allow() {
		return deferResult("rate limited")
	}

	self.diagnostics.Record(&DiagnosticEvent{
		Type:       DiagnosticResolutionStarted,
		DocumentId: documentId,
	})

	result := self.resolve(request)

	eventType := DiagnosticResolutionCompleted
	if !result.ShouldApply {
		eventType = DiagnosticResolutionDeferred
	}
	self.diagnostics.Record(&DiagnosticEvent{
		Type:       eventType,
		DocumentId: documentId,
		FieldKeys:  result.PreservedOperations,
		Reason:     result.Reason,
	})
	return result
}

func (self *GapResolver) resolve(request *GapResolutionRequest) *GapResolutionResult {
	documentId := request.DocumentId

	// swapping an entire snapshot is riskier than one field, so any
	// shadow anywhere in the document defers wholesale
	if protectedKeys := self.shadows.GetProtectedFields(documentId); 0 < len(protectedKeys) {
		glog.V(1).Infof("[gap]defer %s shadows=%d\n", documentId, len(protectedKeys))
		return deferResult("active user operations present")
	}

	conflicts := self.ledger.GetConflictingOperations(documentId, request.ServerDocument, request.ServerTimestamp)
	if 0 < len(conflicts) {
		merged, preserved, applied := self.ledger.ApplySelectiveMerge(
			documentId,
			request.CurrentDocument,
			request.ServerDocument,
			request.ServerTimestamp,
		)
		for _, conflict := range conflicts {
			self.diagnostics.Record(&DiagnosticEvent{
				Type:       DiagnosticConflictDetected,
				DocumentId: documentId,
				FieldKeys:  []string{conflict.Key.String()},
			})
		}
		return &GapResolutionResult{
			ShouldApply:          true,
			MergedData:           merged,
			Reason:               "selective merge",
			PreservedOperations:  fieldKeyStrings(preserved),
			AppliedServerChanges: fieldKeyStrings(applied),
			ConflictsDetected:    len(conflicts),
		}
	}

	// a local operation the server snapshot does not reflect would be
	// silently overwritten by wholesale adoption
	atRiskKeys := []string{}
	for _, fingerprint := range self.ledger.RecentOperations(documentId, self.settings.RecentOperationWindow) {
		if !fingerprint.Timestamp.After(request.ServerTimestamp) {
			continue
		}
		key := fingerprint.FieldKey()
		if serverValue, ok := request.ServerDocument.FieldValue(key); !ok || !ValuesEqual(serverValue, fingerprint.Value) {
			atRiskKeys = append(atRiskKeys, key.String())
		}
	}
	if 0 < len(atRiskKeys) {
		glog.V(1).Infof("[gap]defer %s at_risk=%v\n", documentId, atRiskKeys)
		result := deferResult("recent local operations at risk")
		result.PreservedOperations = atRiskKeys
		return result
	}

	return &GapResolutionResult{
		ShouldApply:          true,
		MergedData:           request.ServerDocument.Copy(),
		Reason:               "server snapshot adopted",
		PreservedOperations:  []string{},
		AppliedServerChanges: DiffDocuments(request.CurrentDocument, request.ServerDocument),
	}
}

// resolves now if possible, otherwise polls until no shadows remain.
// after `ForceApplyTimeout` the server snapshot is applied regardless.
func (self *GapResolver) QueueGapResolution(request *GapResolutionRequest, apply func(result *GapResolutionResult)) {
	result := self.Resolve(request)
	if result.ShouldApply {
		HandleError(func() {
			apply(result)
		})
		return
	}

	go func() {
		startTime := time.Now()
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.RetryInterval):
			}

			if self.settings.ForceApplyTimeout <= time.Since(startTime) {
				glog.Infof("[gap]force apply %s\n", request.DocumentId)
				self.diagnostics.Record(&DiagnosticEvent{
					Type:       DiagnosticForcedApply,
					DocumentId: request.DocumentId,
					Reason:     "timeout - forced application",
				})
				HandleError(func() {
					apply(&GapResolutionResult{
						ShouldApply:          true,
						MergedData:           request.ServerDocument.Copy(),
						Reason:               "timeout - forced application",
						PreservedOperations:  []string{},
						AppliedServerChanges: DiffDocuments(request.CurrentDocument, request.ServerDocument),
					})
				})
				return
			}

			if self.shadows.HasAnyShadow(request.DocumentId) {
				continue
			}

			result := self.Resolve(request)
			if result.ShouldApply {
				HandleError(func() {
					apply(result)
				})
				return
			}
		}
	}()
}

func (self *GapResolver) ClearDocument(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.inFlight, documentId)
	delete(self.limiters, documentId)
}

func (self *GapResolver) Close() {
	self.cancel()
}

func fieldKeyStrings(keys []FieldKey) []string {
	strs := make([]string, len(keys))
	for i, key := range keys {
		strs[i] = key.String()
	}
	return strs
}

package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type EngineSettings struct {
	ChannelManagerSettings *ChannelManagerSettings
	BatcherSettings        *UpdateBatcherSettings
	ShadowRegistrySettings *ShadowRegistrySettings
	FingerprintSettings    *FingerprintLedgerSettings
	ConflictSettings       *ConflictResolverSettings
	GapResolverSettings    *GapResolverSettings
	WatchdogSettings       *WatchdogSettings
	DiagnosticsSettings    *DiagnosticsSettings
	CoordinatorSettings    *ReconnectCoordinatorSettings
	DocumentFetchTimeout   time.Duration
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		ChannelManagerSettings: DefaultChannelManagerSettings(),
		BatcherSettings:        DefaultUpdateBatcherSettings(),
		ShadowRegistrySettings: DefaultShadowRegistrySettings(),
		FingerprintSettings:    DefaultFingerprintLedgerSettings(),
		ConflictSettings:       DefaultConflictResolverSettings(),
		GapResolverSettings:    DefaultGapResolverSettings(),
		WatchdogSettings:       DefaultWatchdogSettings(),
		DiagnosticsSettings:    DefaultDiagnosticsSettings(),
		CoordinatorSettings:    DefaultReconnectCoordinatorSettings(),
		DocumentFetchTimeout:   10 * time.Second,
	}
}

// fires after a gap resolution replaced or merged the local document
type SnapshotFunction = func(documentId string, document *Document, result *GapResolutionResult)

type engineDocument struct {
	document *Document

	openCount int
	unsub     func()

	watchdog        *Watchdog
	removeStale     func()
	removeReconnect func()
}

// ties the pipeline together: local edits are fingerprinted, applied, and
// batched out through the channel manager; inbound updates pass the echo
// filter, the conflict resolver, and then the local document; version gaps
// found by the watchdog go through the gap resolver.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId Id
	tabId  Id

	store DocumentStore

	manager     *ChannelManager
	batcher     *UpdateBatcher
	shadows     *ShadowRegistry
	ledger      *FingerprintLedger
	resolver    *ConflictResolver
	gapResolver *GapResolver
	watchdogs   *WatchdogSet
	diagnostics *Diagnostics
	coordinator *ReconnectCoordinator

	settings *EngineSettings

	// serializes document open and close so that concurrent opens
	// cannot double-create per-document state
	openLock sync.Mutex

	stateLock sync.Mutex
	documents map[string]*engineDocument

	updateCallbacks   *CallbackList[MessageFunction]
	snapshotCallbacks *CallbackList[SnapshotFunction]
}

func NewEngineWithDefaults(
	ctx context.Context,
	transport Transport,
	store DocumentStore,
	session *Session,
	userId Id,
	tabId Id,
) *Engine {
	return NewEngine(ctx, transport, store, session, userId, tabId, DefaultEngineSettings())
}

func NewEngine(
	ctx context.Context,
	transport Transport,
	store DocumentStore,
	session *Session,
	userId Id,
	tabId Id,
	settings *EngineSettings,
) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)

	diagnostics := NewDiagnostics(settings.DiagnosticsSettings)
	coordinator := NewReconnectCoordinator(settings.CoordinatorSettings)
	shadows := NewShadowRegistry(settings.ShadowRegistrySettings)
	ledger := NewFingerprintLedger(cancelCtx, shadows, settings.FingerprintSettings)
	resolver := NewConflictResolver(shadows, ledger, userId, tabId, settings.ConflictSettings)
	gapResolver := NewGapResolver(cancelCtx, shadows, ledger, diagnostics, settings.GapResolverSettings)
	watchdogs := NewWatchdogSet(cancelCtx, store, diagnostics, settings.WatchdogSettings)
	manager := NewChannelManager(cancelCtx, transport, session, coordinator, diagnostics, userId, tabId, settings.ChannelManagerSettings)
	batcher := NewUpdateBatcher(settings.BatcherSettings)

	engine := &Engine{
		ctx:               cancelCtx,
		cancel:            cancel,
		userId:            userId,
		tabId:             tabId,
		store:             store,
		manager:           manager,
		batcher:           batcher,
		shadows:           shadows,
		ledger:            ledger,
		resolver:          resolver,
		gapResolver:       gapResolver,
		watchdogs:         watchdogs,
		diagnostics:       diagnostics,
		coordinator:       coordinator,
		settings:          settings,
		documents:         map[string]*engineDocument{},
		updateCallbacks:   NewCallbackList[MessageFunction](),
		snapshotCallbacks: NewCallbackList[SnapshotFunction](),
	}

	batcher.SetProcessor(BatchKindCell, func(envelopes []*Envelope) {
		for _, envelope := range envelopes {
			manager.SendCellUpdateDebounced(envelope.CellUpdate)
		}
	})
	batcher.SetProcessor(BatchKindFocus, func(envelopes []*Envelope) {
		for _, envelope := range envelopes {
			if err := manager.SendFocus(envelope.Focus); err != nil {
				glog.V(1).Infof("[eng]focus send error = %s\n", err)
			}
		}
	})
	batcher.SetProcessor(BatchKindStructural, func(envelopes []*Envelope) {
		for _, envelope := range envelopes {
			if err := manager.SendStructural(envelope.Structural); err != nil {
				glog.V(1).Infof("[eng]structural send error = %s\n", err)
			}
		}
	})

	// the last shadow going away is the moment to replay updates that
	// were rejected to protect in-progress edits
	shadows.AddShadowsClearedCallback(func(documentId string) {
		engine.replayQueuedConflicts(documentId)
	})

	// shadows, fingerprints, pending conflicts, and health are all
	// document-scoped and go away together
	manager.AddDocumentClosedCallback(func(documentId string) {
		engine.cleanupDocument(documentId)
	})

	return engine
}

func (self *Engine) Diagnostics() *Diagnostics {
	return self.diagnostics
}

func (self *Engine) Coordinator() *ReconnectCoordinator {
	return self.coordinator
}

func (self *Engine) Shadows() *ShadowRegistry {
	return self.shadows
}

// fires for every remote envelope that passed the echo filter and, for
// cell updates, the conflict resolver
func (self *Engine) AddUpdateCallback(callback MessageFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *Engine) AddSnapshotCallback(callback SnapshotFunction) func() {
	callbackId := self.snapshotCallbacks.Add(callback)
	return func() {
		self.snapshotCallbacks.Remove(callbackId)
	}
}

// opens a document for collaborative editing. `initial` may be nil, in
// which case the current snapshot is fetched from the store. Channel,
// watchdog, and all per-document state are created on the first open and
// torn down when the last close function is called.
func (self *Engine) OpenDocument(documentId string, initial *Document) (func(), error) {
	self.openLock.Lock()
	defer self.openLock.Unlock()

	var needCreate bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		_, ok := self.documents[documentId]
		needCreate = !ok
	}()

	if needCreate {
		document := initial
		if document == nil {
			fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.DocumentFetchTimeout)
			var err error
			document, err = self.store.GetDocument(fetchCtx, documentId)
			fetchCancel()
			if err != nil {
				return nil, err
			}
		}

		unsub, err := self.manager.Subscribe(documentId, func(envelope *Envelope) {
			self.handleInbound(envelope)
		})
		if err != nil {
			return nil, err
		}

		watchdog := self.watchdogs.Get(documentId, self.userId)
		watchdog.UpdateLastSeen(document.Version)
		removeStale := watchdog.AddStaleCallback(func(documentId string, serverDocument *Document, serverVersion int64) {
			self.handleVersionGap(documentId, serverDocument, serverVersion)
		})
		removeReconnect := watchdog.AddReconnectCallback(func(documentId string) {
			self.manager.ForceReconnect(documentId)
		})

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.documents[documentId] = &engineDocument{
				document:        document.Copy(),
				unsub:           unsub,
				watchdog:        watchdog,
				removeStale:     removeStale,
				removeReconnect: removeReconnect,
			}
		}()
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.documents[documentId].openCount += 1
	}()

	closeOnce := sync.Once{}
	return func() {
		closeOnce.Do(func() {
			self.closeDocument(documentId)
		})
	}, nil
}

func (self *Engine) closeDocument(documentId string) {
	self.openLock.Lock()
	defer self.openLock.Unlock()

	var unsub func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ed, ok := self.documents[documentId]
		if !ok {
			return
		}
		ed.openCount -= 1
		if ed.openCount <= 0 {
			// the manager teardown fires the document closed callback,
			// which finishes the cleanup
			unsub = ed.unsub
		}
	}()
	if unsub != nil {
		unsub()
	}
}

func (self *Engine) cleanupDocument(documentId string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ed, ok := self.documents[documentId]
		if !ok {
			return
		}
		delete(self.documents, documentId)
		ed.removeStale()
		ed.removeReconnect()
	}()

	self.watchdogs.CloseDocument(documentId)
	self.shadows.ClearDocumentFocus(documentId)
	self.ledger.ClearDocument(documentId)
	self.resolver.ClearDocument(documentId)
	self.gapResolver.ClearDocument(documentId)
	glog.V(1).Infof("[eng]document closed %s\n", documentId)
}

// returns a copy of the current local document state
func (self *Engine) Document(documentId string) (*Document, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ed, ok := self.documents[documentId]
	if !ok {
		return nil, false
	}
	return ed.document.Copy(), true
}

// a local field edit: recorded in the fingerprint ledger, applied to the
// local document, then batched out
func (self *Engine) EditField(documentId string, itemId string, field string, value any) error {
	key := NewFieldKey(itemId, field)

	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ed, ok := self.documents[documentId]
		if !ok {
			return
		}
		applied = ed.document.SetFieldValue(key, value)
	}()
	if !applied {
		return fmt.Errorf("no such field %s in document %s", key, documentId)
	}

	self.ledger.CreateFingerprint(documentId, OperationKindCellUpdate, key.ItemId, value, field, self.tabId)

	update := &CellUpdate{
		DocumentId: documentId,
		ItemId:     itemId,
		Field:      field,
		Value:      value,
	}
	self.batcher.Queue(BatchKindCell, fmt.Sprintf("%s/%s", documentId, key), NewCellUpdateEnvelope(update))
	return nil
}

// a local structural edit, sent immediately rather than debounced
func (self *Engine) ApplyStructural(structural *StructuralUpdate) error {
	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ed, ok := self.documents[structural.DocumentId]
		if !ok {
			return
		}
		applied = applyStructural(ed.document, structural)
	}()
	if !applied {
		return fmt.Errorf("structural op %s failed for document %s", structural.Op, structural.DocumentId)
	}

	self.ledger.CreateFingerprint(
		structural.DocumentId,
		OperationKindStructural,
		structural.ItemId,
		string(structural.Op),
		"",
		self.tabId,
	)

	key := fmt.Sprintf("%s/%s/%s", structural.DocumentId, structural.Op, structural.ItemId)
	self.batcher.Queue(BatchKindStructural, key, NewStructuralEnvelope(structural))
	self.batcher.Flush(BatchKindStructural)
	return nil
}

// marks a field as under active local edit and broadcasts presence
func (self *Engine) SetFocus(documentId string, itemId string, field string, userName string) {
	self.shadows.SetFieldFocus(documentId, itemId, field, self.tabId.String())

	focus := &FocusUpdate{
		DocumentId: documentId,
		ItemId:     itemId,
		Field:      field,
		UserName:   userName,
		IsFocused:  true,
	}
	key := NewFieldKey(itemId, field)
	self.batcher.Queue(BatchKindFocus, fmt.Sprintf("%s/%s", documentId, key), NewFocusEnvelope(focus))
}

// blur: drop the shadow, flush any debounced sends for the document, and
// broadcast the focus release
func (self *Engine) ClearFocus(documentId string, itemId string, field string, userName string) {
	self.shadows.ClearFieldFocus(documentId, itemId, field)
	self.manager.FlushDebounced(documentId)

	focus := &FocusUpdate{
		DocumentId: documentId,
		ItemId:     itemId,
		Field:      field,
		UserName:   userName,
		IsFocused:  false,
	}
	key := NewFieldKey(itemId, field)
	self.batcher.Queue(BatchKindFocus, fmt.Sprintf("%s/%s", documentId, key), NewFocusEnvelope(focus))
	self.batcher.Flush(BatchKindFocus)
}

// event-driven staleness check, e.g. when a tab regains visibility
func (self *Engine) Poke(documentId string) {
	self.stateLock.Lock()
	ed, ok := self.documents[documentId]
	self.stateLock.Unlock()
	if ok {
		ed.watchdog.Poke()
	}
}

func (self *Engine) handleInbound(envelope *Envelope) {
	switch envelope.Kind {
	case MessageKindCellUpdate:
		self.handleRemoteCellUpdate(envelope)
	case MessageKindFocus:
		self.handleRemoteFocus(envelope)
	case MessageKindStructural:
		self.handleRemoteStructural(envelope)
	}
}

func (self *Engine) handleRemoteCellUpdate(envelope *Envelope) {
	update := envelope.CellUpdate
	resolution := self.resolver.Resolve(update)
	if !resolution.ShouldApply {
		self.diagnostics.Record(&DiagnosticEvent{
			Type:       DiagnosticConflictDetected,
			DocumentId: update.DocumentId,
			FieldKeys:  []string{update.FieldKey().String()},
			Reason:     resolution.Reason,
		})
		return
	}

	self.applyRemoteCellUpdate(update)
	self.notify(envelope)
}

func (self *Engine) applyRemoteCellUpdate(update *CellUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ed, ok := self.documents[update.DocumentId]
	if !ok {
		return
	}
	ed.document.SetFieldValue(update.FieldKey(), update.Value)
}

func (self *Engine) handleRemoteFocus(envelope *Envelope) {
	focus := envelope.Focus
	self.shadows.UpdateRoster(focus)

	// more concurrent editors, coarser batching
	activeUsers := map[Id]bool{}
	for _, entry := range self.shadows.Roster(focus.DocumentId) {
		activeUsers[entry.UserId] = true
	}
	self.batcher.SetActiveUserCount(len(activeUsers) + 1)

	self.notify(envelope)
}

func (self *Engine) handleRemoteStructural(envelope *Envelope) {
	structural := envelope.Structural
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ed, ok := self.documents[structural.DocumentId]
		if !ok {
			return
		}
		applyStructural(ed.document, structural)
	}()
	self.notify(envelope)
}

func (self *Engine) notify(envelope *Envelope) {
	for _, callback := range self.updateCallbacks.Get() {
		HandleError(func() {
			callback(envelope)
		})
	}
}

func (self *Engine) replayQueuedConflicts(documentId string) {
	replayed := TraceWithReturn(fmt.Sprintf("[eng]replay %s", documentId), func() int {
		return self.resolver.ProcessQueuedConflicts(documentId, func(update *CellUpdate) {
			self.applyRemoteCellUpdate(update)
			self.notify(NewCellUpdateEnvelope(update))
		})
	})
	if 0 < replayed {
		self.diagnostics.Record(&DiagnosticEvent{
			Type:       DiagnosticConflictReplayed,
			DocumentId: documentId,
			Reason:     fmt.Sprintf("%d replayed", replayed),
		})
	}
}

func (self *Engine) handleVersionGap(documentId string, serverDocument *Document, serverVersion int64) {
	var current *Document
	var currentVersion int64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ed, ok := self.documents[documentId]
		if !ok {
			return
		}
		current = ed.document.Copy()
		currentVersion = ed.document.Version
	}()
	if current == nil {
		return
	}

	request := &GapResolutionRequest{
		CurrentDocument: current,
		ServerDocument:  serverDocument,
		ServerTimestamp: serverDocument.UpdatedAt,
		ServerVersion:   serverVersion,
		CurrentVersion:  currentVersion,
		DocumentId:      documentId,
	}
	self.gapResolver.QueueGapResolution(request, func(result *GapResolutionResult) {
		self.applyGapResolution(documentId, serverVersion, result)
	})
}

func (self *Engine) applyGapResolution(documentId string, serverVersion int64, result *GapResolutionResult) {
	if !result.ShouldApply || result.MergedData == nil {
		return
	}

	var applied *Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ed, ok := self.documents[documentId]
		if !ok {
			return
		}
		ed.document = result.MergedData.Copy()
		ed.document.Version = serverVersion
		applied = ed.document.Copy()
		ed.watchdog.UpdateLastSeen(serverVersion)
	}()
	if applied == nil {
		return
	}

	glog.V(1).Infof("[eng]gap applied %s v%d %s\n", documentId, serverVersion, result.Reason)
	for _, callback := range self.snapshotCallbacks.Get() {
		HandleError(func() {
			callback(documentId, applied, result)
		})
	}
}

// applies an item list change. Returns false if the op does not apply
// cleanly, e.g. a delete for an item that is already gone.
func applyStructural(document *Document, structural *StructuralUpdate) bool {
	switch structural.Op {
	case StructuralOpInsert:
		if structural.Item == nil {
			return false
		}
		index := structural.Index
		if index < 0 || len(document.Items) < index {
			index = len(document.Items)
		}
		items := make([]*Item, 0, len(document.Items)+1)
		items = append(items, document.Items[:index]...)
		items = append(items, structural.Item)
		items = append(items, document.Items[index:]...)
		document.Items = items
		return true
	case StructuralOpDelete:
		for i, item := range document.Items {
			if item.Id == structural.ItemId {
				document.Items = append(document.Items[:i], document.Items[i+1:]...)
				return true
			}
		}
		return false
	case StructuralOpReorder:
		for i, item := range document.Items {
			if item.Id == structural.ItemId {
				index := structural.Index
				if index < 0 || len(document.Items) <= index {
					index = len(document.Items) - 1
				}
				items := append(document.Items[:i], document.Items[i+1:]...)
				itemsWithMoved := make([]*Item, 0, len(items)+1)
				itemsWithMoved = append(itemsWithMoved, items[:index]...)
				itemsWithMoved = append(itemsWithMoved, item)
				itemsWithMoved = append(itemsWithMoved, items[index:]...)
				document.Items = itemsWithMoved
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (self *Engine) Close() {
	Trace("[eng]close", func() {
		self.manager.Close()
		self.batcher.Close()
		self.gapResolver.Close()
		self.ledger.Close()
		self.watchdogs.Close()
		self.shadows.Close()
		self.cancel()
	})
}

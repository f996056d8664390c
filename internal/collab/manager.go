// Package collab owns live document sessions and reconciles administrative overwrites with
// the replicas peers are editing.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/metrics"
	"github.com/neominik/write-collab/internal/realtime"
	"github.com/neominik/write-collab/internal/replica"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opAcquire        = "collab.acquire"
	opRelease        = "collab.release"
	opShutdown       = "collab.shutdown"
	backfillCorrupt  = "corrupt_state"
	backfillMissing  = "missing_state"
	fieldDocumentID  = "document_id"
	fieldOperation   = "operation"
	logSessionLoaded = "session loaded"
)

var (
	// ErrSessionNotFound is returned when releasing a document without a live session.
	ErrSessionNotFound = errors.New("collab: no live session")
	// ErrDocumentBusy is returned when deleting a document that peers are editing.
	ErrDocumentBusy = errors.New("collab: document has a live session")

	errMissingStore = errors.New("collab: document store is required")
)

// DocumentStore is the durable storage the collaboration layer depends on.
type DocumentStore interface {
	LoadOrCreate(ctx context.Context, documentID documents.DocumentID) (documents.Document, bool, error)
	GetDocument(ctx context.Context, documentID documents.DocumentID) (documents.Document, error)
	SaveState(ctx context.Context, documentID documents.DocumentID, text string, state []byte) error
	AppendSnapshotIfIdle(ctx context.Context, documentID documents.DocumentID, text string, window time.Duration) (bool, error)
	RestoreVersion(ctx context.Context, documentID documents.DocumentID, versionID documents.VersionID, liveText *string) (documents.RestoreResult, error)
	SetTitle(ctx context.Context, documentID documents.DocumentID, title documents.Title) (documents.Document, error)
	DeleteDocument(ctx context.Context, documentID documents.DocumentID) error
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store      DocumentStore
	Policy     *PersistencePolicy
	Dispatcher *realtime.Dispatcher
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// Manager maps document identifiers to live sessions. Lock order is the per-document guard,
// then the manager mutex, then a session's mutex.
type Manager struct {
	store      DocumentStore
	policy     *PersistencePolicy
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Registry

	mu       sync.Mutex
	sessions map[documents.DocumentID]*Session
	loads    singleflight.Group
	guards   *documentLocks
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewPersistencePolicy(PolicyConfig{Store: cfg.Store, Logger: logger, Metrics: cfg.Metrics})
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher(realtime.DispatcherConfig{Logger: logger, Metrics: cfg.Metrics})
	}
	return &Manager{
		store:      cfg.Store,
		policy:     policy,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    cfg.Metrics,
		sessions:   make(map[documents.DocumentID]*Session),
		guards:     newDocumentLocks(),
	}, nil
}

// Acquire returns the live session for documentID, loading it on first use, and takes a
// reference that must be returned with Release.
func (m *Manager) Acquire(ctx context.Context, documentID documents.DocumentID) (*Session, error) {
	for {
		m.mu.Lock()
		if session, ok := m.sessions[documentID]; ok {
			session.refs++
			m.mu.Unlock()
			return session, nil
		}
		m.mu.Unlock()

		loaded, err, _ := m.loads.Do(documentID.String(), func() (any, error) {
			return m.loadAndRegister(context.WithoutCancel(ctx), documentID)
		})
		if err != nil {
			return nil, err
		}
		session := loaded.(*Session)

		m.mu.Lock()
		// The registered session may already have been released and retired by another caller.
		if m.sessions[documentID] != session {
			m.mu.Unlock()
			continue
		}
		session.refs++
		m.mu.Unlock()
		return session, nil
	}
}

// loadAndRegister builds the session and publishes it in the map while holding the
// document's guard.
func (m *Manager) loadAndRegister(ctx context.Context, documentID documents.DocumentID) (*Session, error) {
	unlock := m.guards.lock(documentID)
	defer unlock()

	m.mu.Lock()
	existing, ok := m.sessions[documentID]
	m.mu.Unlock()
	if ok {
		return existing, nil
	}

	session, err := m.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[documentID] = session
	m.mu.Unlock()
	m.metrics.SessionOpened()
	return session, nil
}

// Release returns a reference taken by Acquire. The last release flushes the replica and
// removes the session unless another caller acquired it during the flush.
func (m *Manager) Release(ctx context.Context, documentID documents.DocumentID) error {
	m.mu.Lock()
	session, ok := m.sessions[documentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	session.refs--
	if session.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	session.mu.Lock()
	flushErr := session.flushLocked(ctx)
	session.mu.Unlock()
	if flushErr != nil {
		m.logError(opRelease, flushErr, zap.String(fieldDocumentID, documentID.String()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if session.refs > 0 || m.sessions[documentID] != session {
		return nil
	}
	session.mu.Lock()
	session.retired.Store(true)
	session.mu.Unlock()
	delete(m.sessions, documentID)
	m.metrics.SessionClosed()
	return flushErr
}

// Lookup returns the live session without taking a reference.
func (m *Manager) Lookup(documentID documents.DocumentID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[documentID]
	return session, ok
}

// LiveSessions reports how many documents currently have a live replica.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Subscribe registers a notification sink for documentID. No replica is loaded.
func (m *Manager) Subscribe(ctx context.Context, documentID documents.DocumentID, sink realtime.Sink) func() {
	return m.dispatcher.Subscribe(ctx, documentID.String(), sink)
}

// Shutdown flushes every live session. Sessions stay registered so late peers still see a
// consistent replica until the process exits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		live = append(live, session)
	}
	m.mu.Unlock()

	var failures []error
	for _, session := range live {
		session.mu.Lock()
		err := session.flushLocked(ctx)
		session.mu.Unlock()
		if err != nil {
			m.logError(opShutdown, err, zap.String(fieldDocumentID, session.id.String()))
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (m *Manager) load(ctx context.Context, documentID documents.DocumentID) (*Session, error) {
	stored, created, err := m.store.LoadOrCreate(ctx, documentID)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(zap.String(fieldDocumentID, documentID.String()))
	var live *replica.Replica
	backfill := ""
	if stored.HasReplicaState() {
		live, err = replica.Load(stored.ReplicaState)
		if err != nil {
			logger.Warn("stored replica state unreadable, rebuilding from text", zap.Error(err))
			backfill = backfillCorrupt
		}
	} else if stored.MaterializedText != "" {
		backfill = backfillMissing
	}
	seeded := live == nil
	if seeded {
		live, err = replica.NewFromText(stored.MaterializedText)
		if err != nil {
			m.logError(opAcquire, err, zap.String(fieldDocumentID, documentID.String()))
			return nil, err
		}
	}

	session := newSession(documentID, live, m.policy, m.logger)
	if seeded {
		if backfill != "" {
			m.metrics.ReplicaBackfilled(backfill)
		}
		// Persist the seeded replica so every later load agrees on the same initial change.
		session.mu.Lock()
		if err := session.flushLocked(ctx); err != nil {
			logger.Warn("seeded replica not persisted", zap.Error(err))
		}
		session.mu.Unlock()
	}
	logger.Debug(logSessionLoaded, zap.Bool("created", created), zap.String("backfill", backfill))
	return session, nil
}

func (m *Manager) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String(fieldOperation, operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("session manager error", attrs...)
}

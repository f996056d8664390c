package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/realtime"
	"github.com/neominik/write-collab/internal/replica/replicatest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

// flakyStore fails SaveState while failSaves is set and can hold the next LoadOrCreate
// after its read.
type flakyStore struct {
	*documents.Store
	mu          sync.Mutex
	failSaves   bool
	loadGate    chan struct{}
	loadReached chan struct{}
}

// HoldNextLoad makes the next LoadOrCreate block after reading the row. The returned channel
// is closed once the read happened; calling resume lets the load continue.
func (s *flakyStore) HoldNextLoad() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	reached := make(chan struct{})
	s.loadGate = gate
	s.loadReached = reached
	var once sync.Once
	return reached, func() {
		once.Do(func() { close(gate) })
	}
}

func (s *flakyStore) LoadOrCreate(ctx context.Context, documentID documents.DocumentID) (documents.Document, bool, error) {
	stored, created, err := s.Store.LoadOrCreate(ctx, documentID)
	s.mu.Lock()
	gate, reached := s.loadGate, s.loadReached
	s.loadGate, s.loadReached = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(reached)
		<-gate
	}
	return stored, created, err
}

func (s *flakyStore) SetFailSaves(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = fail
}

func (s *flakyStore) SaveState(ctx context.Context, documentID documents.DocumentID, text string, state []byte) error {
	s.mu.Lock()
	fail := s.failSaves
	s.mu.Unlock()
	if fail {
		return errors.New("disk unavailable")
	}
	return s.Store.SaveState(ctx, documentID, text, state)
}

type testEnvironment struct {
	database   *gorm.DB
	clock      *manualClock
	store      *flakyStore
	dispatcher *realtime.Dispatcher
	manager    *Manager
	logs       *observer.ObservedLogs
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&documents.Document{}, &documents.Version{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := newManualClock()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	store, err := documents.NewStore(documents.StoreConfig{
		Database: database,
		Clock:    clock.Now,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	flaky := &flakyStore{Store: store}
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{HeartbeatInterval: time.Hour, Logger: logger})
	manager, err := NewManager(ManagerConfig{
		Store:      flaky,
		Policy:     NewPersistencePolicy(PolicyConfig{Store: flaky, Logger: logger}),
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return &testEnvironment{
		database:   database,
		clock:      clock,
		store:      flaky,
		dispatcher: dispatcher,
		manager:    manager,
		logs:       logs,
	}
}

func (env *testEnvironment) storedDocument(t *testing.T, documentID documents.DocumentID) documents.Document {
	t.Helper()
	stored, err := env.store.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	return stored
}

func (env *testEnvironment) versions(t *testing.T, documentID documents.DocumentID) []documents.Version {
	t.Helper()
	versions, err := env.store.ListVersions(context.Background(), documentID)
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	return versions
}

func (env *testEnvironment) insertVersion(t *testing.T, documentID documents.DocumentID, versionID, text string) documents.VersionID {
	t.Helper()
	version := documents.Version{
		VersionID:       versionID,
		DocumentID:      documentID.String(),
		Text:            text,
		Reason:          documents.VersionReasonSnapshot,
		CreatedAtMillis: env.clock.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := env.database.Create(&version).Error; err != nil {
		t.Fatalf("failed to insert version: %v", err)
	}
	return mustVersionID(t, versionID)
}

func mustDocumentID(t *testing.T, value string) documents.DocumentID {
	t.Helper()
	id, err := documents.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustVersionID(t *testing.T, value string) documents.VersionID {
	t.Helper()
	id, err := documents.NewVersionID(value)
	if err != nil {
		t.Fatalf("unexpected version id error: %v", err)
	}
	return id
}

// forkClient returns an independent client replica sharing the session's history.
func forkClient(t *testing.T, session *Session) *replicatest.Client {
	t.Helper()
	client, err := replicatest.NewClient(session.Snapshot())
	if err != nil {
		t.Fatalf("failed to fork client: %v", err)
	}
	return client
}

// clientEdit applies an edit on the client and returns the resulting update fragment.
func clientEdit(t *testing.T, client *replicatest.Client, position, deleteCount int, text string) []byte {
	t.Helper()
	if err := client.Edit(position, deleteCount, text); err != nil {
		t.Fatalf("client edit failed: %v", err)
	}
	return client.PendingChanges()
}

func sessionText(t *testing.T, session *Session) string {
	t.Helper()
	text, err := session.Text()
	if err != nil {
		t.Fatalf("failed to read session text: %v", err)
	}
	return text
}

// syncPeer runs the sync protocol between a session peer and a client until both are quiet.
func syncPeer(t *testing.T, session *Session, peer *Peer, client *replicatest.Client) {
	t.Helper()
	for round := 0; round < 16; round++ {
		progressed := false
		for {
			message, ok := session.NextSyncMessage(peer)
			if !ok {
				break
			}
			progressed = true
			if err := client.Receive(message); err != nil {
				t.Fatalf("client receive failed: %v", err)
			}
		}
		for {
			message, ok := client.Generate()
			if !ok {
				break
			}
			progressed = true
			if err := session.ReceiveSyncMessage(context.Background(), peer, message); err != nil {
				t.Fatalf("session receive failed: %v", err)
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatalf("sync did not settle")
}

func expectEvent(t *testing.T, sink *realtime.ChannelSink) realtime.Event {
	t.Helper()
	select {
	case event := <-sink.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("expected an event within deadline")
		return nil
	}
}

func expectNoEvent(t *testing.T, sink *realtime.ChannelSink) {
	t.Helper()
	select {
	case event := <-sink.Events():
		t.Fatalf("did not expect event, got %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

package documents

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
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

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := database.AutoMigrate(&Document{}, &Version{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestStore(t *testing.T, clock *manualClock) (*Store, *gorm.DB) {
	t.Helper()
	database := openTestDatabase(t)
	store, err := NewStore(StoreConfig{
		Database:    database,
		Clock:       clock.Now,
		VersionIDs:  &sequenceIDProvider{prefix: "version"},
		DocumentIDs: &sequenceIDProvider{prefix: "doc"},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, database
}

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustVersionID(t *testing.T, value string) VersionID {
	t.Helper()
	id, err := NewVersionID(value)
	if err != nil {
		t.Fatalf("unexpected version id error: %v", err)
	}
	return id
}

func countVersions(t *testing.T, database *gorm.DB, documentID DocumentID) int64 {
	t.Helper()
	var count int64
	if err := database.Model(&Version{}).Where("document_id = ?", documentID.String()).Count(&count).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	return count
}

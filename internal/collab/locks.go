package collab

import (
	"sync"

	"github.com/neominik/write-collab/internal/documents"
)

// documentLocks hands out one mutex per document identifier. It is held while a session is
// loaded and registered, and by restore and delete, so neither can run against a load that
// has read the row but not yet published its session. Entries are dropped once unused.
type documentLocks struct {
	mu      sync.Mutex
	entries map[documents.DocumentID]*documentLock
}

type documentLock struct {
	mu    sync.Mutex
	users int
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{entries: make(map[documents.DocumentID]*documentLock)}
}

// lock blocks until documentID is free and returns the matching unlock.
func (l *documentLocks) lock(documentID documents.DocumentID) func() {
	l.mu.Lock()
	entry, ok := l.entries[documentID]
	if !ok {
		entry = &documentLock{}
		l.entries[documentID] = entry
	}
	entry.users++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		defer l.mu.Unlock()
		entry.users--
		if entry.users == 0 {
			delete(l.entries, documentID)
		}
	}
}

// size reports how many identifiers currently have an entry.
func (l *documentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

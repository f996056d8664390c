// Package replica wraps an automerge document holding one collaborative text body.
//
// A Replica is not safe for concurrent use; callers serialize access per document.
package replica

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ContentKey is the root map key holding the document body as automerge text.
const ContentKey = "content"

var (
	// ErrCorruptState indicates that serialized replica bytes could not be loaded.
	ErrCorruptState = errors.New("replica: corrupt state")
	// ErrInvalidUpdate indicates that an update fragment could not be merged.
	ErrInvalidUpdate = errors.New("replica: invalid update")
)

// Replica is a mutable, mergeable copy of a document body.
type Replica struct {
	doc *automerge.Doc
}

// New returns a replica holding an empty body.
func New() (*Replica, error) {
	return NewFromText("")
}

// NewFromText seeds a replica with text inserted as a single initial change.
func NewFromText(text string) (*Replica, error) {
	doc := automerge.New()
	if err := doc.Path(ContentKey).Set(automerge.NewText(text)); err != nil {
		return nil, fmt.Errorf("replica: seed text: %w", err)
	}
	if _, err := doc.Commit("seed", automerge.CommitOptions{}); err != nil {
		return nil, fmt.Errorf("replica: commit seed: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// Load reconstructs a replica from serialized state. Bytes that do not load, or that load
// without a readable text body, yield ErrCorruptState.
func Load(state []byte) (*Replica, error) {
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptState)
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	loaded := &Replica{doc: doc}
	if _, err := loaded.Text(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return loaded, nil
}

// Text materializes the current body.
func (r *Replica) Text() (string, error) {
	return r.doc.Path(ContentKey).Text().Get()
}

// Save serializes the full replica state.
func (r *Replica) Save() []byte {
	return r.doc.Save()
}

// Heads identifies the replica's current state.
func (r *Replica) Heads() []automerge.ChangeHash {
	return r.doc.Heads()
}

// ApplyUpdate merges an update fragment (changes produced by SaveIncremental or Save on a
// peer). Merging is commutative and idempotent. The boolean reports whether the heads moved.
func (r *Replica) ApplyUpdate(update []byte) (bool, error) {
	before := r.doc.Heads()
	if err := r.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return !SameHeads(before, r.doc.Heads()), nil
}

// ReplaceAllText deletes the whole body and inserts text as one committed change, so peers
// converge to it through ordinary merges.
func (r *Replica) ReplaceAllText(text string) error {
	body := r.doc.Path(ContentKey).Text()
	if err := body.Splice(0, body.Len(), text); err != nil {
		return fmt.Errorf("replica: replace text: %w", err)
	}
	if _, err := r.doc.Commit("replace", automerge.CommitOptions{}); err != nil {
		return fmt.Errorf("replica: commit replace: %w", err)
	}
	return nil
}

// SameHeads reports whether two head sets are identical.
func SameHeads(left, right []automerge.ChangeHash) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index].String() != right[index].String() {
			return false
		}
	}
	return true
}

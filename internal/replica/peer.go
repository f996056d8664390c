package replica

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Peer tracks the sync protocol state for one remote participant of a replica.
// Calls must be serialized with every other access to the owning replica.
type Peer struct {
	owner *Replica
	state *automerge.SyncState
}

// NewPeer starts a fresh sync exchange against the replica.
func (r *Replica) NewPeer() *Peer {
	return &Peer{owner: r, state: automerge.NewSyncState(r.doc)}
}

// Receive applies a sync message from the remote participant. The boolean reports whether
// the replica's heads moved.
func (p *Peer) Receive(message []byte) (bool, error) {
	before := p.owner.doc.Heads()
	if _, err := p.state.ReceiveMessage(message); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return !SameHeads(before, p.owner.doc.Heads()), nil
}

// Generate returns the next sync message for the remote participant, or false when the
// participant already has everything this side knows about.
func (p *Peer) Generate() ([]byte, bool) {
	message, valid := p.state.GenerateMessage()
	if !valid || message == nil {
		return nil, false
	}
	return message.Bytes(), true
}

package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/replica"
	"go.uber.org/zap"
)

// Peer is one replication transport attached to a session.
type Peer struct {
	state *replica.Peer
	wake  chan struct{}
}

// Wake fires whenever the peer may have a sync message to send.
func (p *Peer) Wake() <-chan struct{} {
	return p.wake
}

func (p *Peer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Session owns the live replica of one document. Every replica access happens under mu.
type Session struct {
	id     documents.DocumentID
	policy *PersistencePolicy
	logger *zap.Logger

	mu      sync.Mutex
	replica *replica.Replica
	peers   map[*Peer]struct{}

	// refs is guarded by the manager's mutex.
	refs    int
	retired atomic.Bool
}

func newSession(id documents.DocumentID, live *replica.Replica, policy *PersistencePolicy, logger *zap.Logger) *Session {
	return &Session{
		id:      id,
		policy:  policy,
		logger:  logger.With(zap.String("document_id", id.String())),
		replica: live,
		peers:   make(map[*Peer]struct{}),
	}
}

// ID returns the document identifier.
func (s *Session) ID() documents.DocumentID {
	return s.id
}

// Text materializes the current body.
func (s *Session) Text() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Text()
}

// Snapshot serializes the replica for client bootstrap.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Save()
}

// ApplyUpdate merges an update fragment. It reports whether the replica changed.
func (s *Session) ApplyUpdate(ctx context.Context, update []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.replica.ApplyUpdate(update)
	if err != nil {
		return false, err
	}
	if changed {
		s.changedLocked(ctx)
	}
	return changed, nil
}

// Join attaches a replication peer and queues its first sync message.
func (s *Session) Join() *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer := &Peer{
		state: s.replica.NewPeer(),
		wake:  make(chan struct{}, 1),
	}
	s.peers[peer] = struct{}{}
	peer.notify()
	return peer
}

// Leave detaches a replication peer.
func (s *Session) Leave(peer *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

// PeerCount reports the attached replication peers.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ReceiveSyncMessage merges a sync message from peer. Changes are persisted before the
// call returns and every attached peer is woken.
func (s *Session) ReceiveSyncMessage(ctx context.Context, peer *Peer, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, attached := s.peers[peer]; !attached {
		return fmt.Errorf("collab: peer is not attached to %s", s.id)
	}
	changed, err := peer.state.Receive(message)
	if err != nil {
		return err
	}
	if changed {
		s.changedLocked(ctx)
		return nil
	}
	peer.notify()
	return nil
}

// NextSyncMessage returns the next message to send to peer, if any.
func (s *Session) NextSyncMessage(peer *Peer) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, attached := s.peers[peer]; !attached {
		return nil, false
	}
	return peer.state.Generate()
}

func (s *Session) changedLocked(ctx context.Context) {
	text, state, err := s.materializeLocked()
	if err != nil {
		s.logger.Error("failed to materialize replica", zap.Error(err))
	} else {
		s.policy.Persist(ctx, s.id, text, state)
	}
	s.wakePeersLocked()
}

func (s *Session) replaceLocked(ctx context.Context, text string) error {
	if err := s.replica.ReplaceAllText(text); err != nil {
		return err
	}
	if err := s.flushLocked(ctx); err != nil {
		s.logger.Warn("restored replica not persisted", zap.Error(err))
	}
	s.wakePeersLocked()
	return nil
}

func (s *Session) flushLocked(ctx context.Context) error {
	text, state, err := s.materializeLocked()
	if err != nil {
		return err
	}
	return s.policy.Flush(ctx, s.id, text, state)
}

func (s *Session) materializeLocked() (string, []byte, error) {
	text, err := s.replica.Text()
	if err != nil {
		return "", nil, err
	}
	return text, s.replica.Save(), nil
}

func (s *Session) wakePeersLocked() {
	for peer := range s.peers {
		peer.notify()
	}
}

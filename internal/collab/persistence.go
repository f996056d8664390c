package collab

import (
	"context"
	"time"

	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultSnapshotDebounce is the minimum spacing between snapshot versions of one document.
	DefaultSnapshotDebounce = 30 * time.Second
	// DefaultPersistTimeout bounds each durable write issued by the policy.
	DefaultPersistTimeout = 5 * time.Second
)

// PolicyConfig configures a PersistencePolicy.
type PolicyConfig struct {
	Store            DocumentStore
	SnapshotDebounce time.Duration
	WriteTimeout     time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Registry
}

// PersistencePolicy decides what is written after a replica changes. Callers hold the
// document's session lock, so calls for one document never overlap.
type PersistencePolicy struct {
	store    DocumentStore
	debounce time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewPersistencePolicy constructs a PersistencePolicy.
func NewPersistencePolicy(cfg PolicyConfig) *PersistencePolicy {
	debounce := cfg.SnapshotDebounce
	if debounce <= 0 {
		debounce = DefaultSnapshotDebounce
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistencePolicy{
		store:    cfg.Store,
		debounce: debounce,
		timeout:  timeout,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// Persist writes text and state, then appends a snapshot version unless one was taken
// within the debounce window. Failures are logged and counted; the next call carries the
// latest state anyway.
func (p *PersistencePolicy) Persist(ctx context.Context, documentID documents.DocumentID, text string, state []byte) {
	writeCtx, cancel := p.writeContext(ctx)
	defer cancel()

	if err := p.store.SaveState(writeCtx, documentID, text, state); err != nil {
		p.logFailure(metrics.StageSaveState, documentID, err)
		return
	}
	created, err := p.store.AppendSnapshotIfIdle(writeCtx, documentID, text, p.debounce)
	if err != nil {
		p.logFailure(metrics.StageSnapshot, documentID, err)
		return
	}
	if created {
		p.metrics.VersionCreated(string(documents.VersionReasonSnapshot))
	}
}

// Flush writes text and state without considering a snapshot.
func (p *PersistencePolicy) Flush(ctx context.Context, documentID documents.DocumentID, text string, state []byte) error {
	writeCtx, cancel := p.writeContext(ctx)
	defer cancel()

	if err := p.store.SaveState(writeCtx, documentID, text, state); err != nil {
		p.logFailure(metrics.StageFlush, documentID, err)
		return err
	}
	return nil
}

// writeContext detaches from the triggering connection so a disconnecting peer does not
// abort the write of its own final edit.
func (p *PersistencePolicy) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
}

func (p *PersistencePolicy) logFailure(stage string, documentID documents.DocumentID, err error) {
	p.metrics.PersistFailed(stage)
	p.logger.Error("persistence failed",
		zap.String("stage", stage),
		zap.String("document_id", documentID.String()),
		zap.Error(err))
}

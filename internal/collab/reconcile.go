package collab

import (
	"context"

	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/realtime"
	"go.uber.org/zap"
)

const opRestoreVersion = "collab.restore_version"

// RestoreVersion overwrites a document with one of its versions. The text being replaced
// is captured as a new version first, taken from the live replica when one exists. A live
// replica is rewritten in place so attached peers converge through ordinary sync, and every
// notification subscriber receives a restore event with the new text.
//
// Peer edits merged after the rewrite are kept on top of the restored text.
func (m *Manager) RestoreVersion(ctx context.Context, documentID documents.DocumentID, versionID documents.VersionID) (documents.RestoreResult, error) {
	unlock := m.guards.lock(documentID)
	defer unlock()

	session, live := m.Lookup(documentID)
	if live {
		session.mu.Lock()
		defer session.mu.Unlock()
		live = !session.retired.Load()
	}

	var liveText *string
	if live {
		text, err := session.replica.Text()
		if err != nil {
			m.logger.Warn("live replica unreadable, capturing stored text",
				zap.String(fieldDocumentID, documentID.String()),
				zap.Error(err))
		} else {
			liveText = &text
		}
	}

	result, err := m.store.RestoreVersion(ctx, documentID, versionID, liveText)
	if err != nil {
		return documents.RestoreResult{}, err
	}
	m.metrics.VersionCreated(string(documents.VersionReasonRestoreCapture))

	restoredText := result.Document.MaterializedText
	if live {
		if err := session.replaceLocked(ctx, restoredText); err != nil {
			// The store already holds the restored text with no replica state, so the next
			// load rebuilds from it.
			m.logError(opRestoreVersion, err, zap.String(fieldDocumentID, documentID.String()))
		}
	}

	delivered := m.dispatcher.Publish(documentID.String(), realtime.RestoreEvent{Text: restoredText})
	m.logger.Info("document restored",
		zap.String(fieldDocumentID, documentID.String()),
		zap.String("version_id", versionID.String()),
		zap.Bool("live_session", live),
		zap.Int("subscribers", delivered))
	return result, nil
}

// SetTitle validates and stores a new title, then notifies subscribers. The replica is not
// involved. Invalid titles are rejected before any write.
func (m *Manager) SetTitle(ctx context.Context, documentID documents.DocumentID, rawTitle string) (documents.Document, error) {
	title, err := documents.NewTitle(rawTitle)
	if err != nil {
		return documents.Document{}, err
	}
	updated, err := m.store.SetTitle(ctx, documentID, title)
	if err != nil {
		return documents.Document{}, err
	}
	m.dispatcher.Publish(documentID.String(), realtime.TitleEvent{Title: updated.Title})
	return updated, nil
}

// DeleteDocument removes a document and its history. Documents with a live session, or one
// being loaded, are refused with ErrDocumentBusy.
func (m *Manager) DeleteDocument(ctx context.Context, documentID documents.DocumentID) error {
	unlock := m.guards.lock(documentID)
	defer unlock()

	if _, live := m.Lookup(documentID); live {
		return ErrDocumentBusy
	}
	if err := m.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	m.logger.Info("document deleted", zap.String(fieldDocumentID, documentID.String()))
	return nil
}

// CurrentText returns the live text when a session exists and the stored text otherwise.
func (m *Manager) CurrentText(ctx context.Context, documentID documents.DocumentID) (documents.Document, error) {
	stored, err := m.store.GetDocument(ctx, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	if session, live := m.Lookup(documentID); live {
		if text, err := session.Text(); err == nil {
			stored.MaterializedText = text
		}
	}
	return stored, nil
}

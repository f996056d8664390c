package collab

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/realtime"
)

func TestRestoreReplacesLiveReplicaAndNotifies(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	emptyVersion := env.insertVersion(t, documentID, "version-empty", "")

	client := forkClient(t, session)
	peer := session.Join()
	syncPeer(t, session, peer, client)

	if err := client.Edit(0, 0, "Hello"); err != nil {
		t.Fatalf("client edit failed: %v", err)
	}
	syncPeer(t, session, peer, client)
	if stored := env.storedDocument(t, documentID); stored.MaterializedText != "Hello" {
		t.Fatalf("expected persisted Hello, got %q", stored.MaterializedText)
	}

	sink := realtime.NewChannelSink(4)
	unsubscribe := env.manager.Subscribe(ctx, documentID, sink)
	defer unsubscribe()
	select {
	case <-peer.Wake():
	default:
	}

	result, err := env.manager.RestoreVersion(ctx, documentID, emptyVersion)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Captured.Text != "Hello" || result.Captured.Reason != documents.VersionReasonRestoreCapture {
		t.Fatalf("expected live text captured before overwrite, got %#v", result.Captured)
	}
	if stored := env.storedDocument(t, documentID); stored.MaterializedText != "" {
		t.Fatalf("expected stored text overwritten, got %q", stored.MaterializedText)
	}

	event := expectEvent(t, sink)
	restore, ok := event.(realtime.RestoreEvent)
	if !ok || restore.Text != "" {
		t.Fatalf("expected restore event with empty text, got %#v", event)
	}
	if text := sessionText(t, session); text != "" {
		t.Fatalf("expected live replica replaced, got %q", text)
	}

	select {
	case <-peer.Wake():
	default:
		t.Fatalf("expected restore to wake attached peers")
	}
	syncPeer(t, session, peer, client)
	clientText, err := client.Text()
	if err != nil {
		t.Fatalf("failed to read client text: %v", err)
	}
	if clientText != "" {
		t.Fatalf("expected client to converge through sync, got %q", clientText)
	}
}

func TestRestoreWithoutLiveSessionCapturesStoredText(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "offline")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "current draft")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := env.manager.Release(ctx, documentID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	original := env.insertVersion(t, documentID, "version-original", "original draft")

	result, err := env.manager.RestoreVersion(ctx, documentID, original)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Captured.Text != "current draft" {
		t.Fatalf("expected stored text captured, got %q", result.Captured.Text)
	}
	if stored := env.storedDocument(t, documentID); stored.HasReplicaState() {
		t.Fatalf("expected replica state cleared by restore")
	}

	reloaded, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if text := sessionText(t, reloaded); text != "original draft" {
		t.Fatalf("expected next load to rebuild from restored text, got %q", text)
	}
}

func TestRestoreRoundTripReturnsToCapturedText(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "roundtrip")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "second")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	first := env.insertVersion(t, documentID, "version-first", "first")

	restored, err := env.manager.RestoreVersion(ctx, documentID, first)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	captured := mustVersionID(t, restored.Captured.VersionID)
	back, err := env.manager.RestoreVersion(ctx, documentID, captured)
	if err != nil {
		t.Fatalf("restore of captured version failed: %v", err)
	}
	if back.Document.MaterializedText != "second" {
		t.Fatalf("expected round trip to return to the captured text, got %q", back.Document.MaterializedText)
	}
	if text := sessionText(t, session); text != "second" {
		t.Fatalf("expected live replica to follow, got %q", text)
	}
}

func TestRestoreUnknownVersionHasNoSideEffects(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "unknown-version")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "unchanged")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	versionsBefore := len(env.versions(t, documentID))

	sink := realtime.NewChannelSink(4)
	env.manager.Subscribe(ctx, documentID, sink)

	_, err = env.manager.RestoreVersion(ctx, documentID, mustVersionID(t, "missing"))
	if !errors.Is(err, documents.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	expectNoEvent(t, sink)
	if len(env.versions(t, documentID)) != versionsBefore {
		t.Fatalf("expected no capture for a failed restore")
	}
	if text := sessionText(t, session); text != "unchanged" {
		t.Fatalf("expected live replica untouched, got %q", text)
	}
}

func TestRestoreUnknownDocumentReportsNotFound(t *testing.T) {
	env := newTestEnvironment(t)
	_, err := env.manager.RestoreVersion(context.Background(), mustDocumentID(t, "nowhere"), mustVersionID(t, "missing"))
	if !errors.Is(err, documents.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestPeerEditAfterRestoreSurvives(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "race")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "before")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	blank := env.insertVersion(t, documentID, "version-blank", "")

	// The client edits concurrently with the restore and its change arrives afterwards.
	lateUpdate := clientEdit(t, client, len("before"), 0, " late")
	if _, err := env.manager.RestoreVersion(ctx, documentID, blank); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, err := session.ApplyUpdate(ctx, lateUpdate); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	text := sessionText(t, session)
	if !strings.Contains(text, "late") {
		t.Fatalf("expected concurrent edit to survive the restore, got %q", text)
	}
	if stored := env.storedDocument(t, documentID); stored.MaterializedText != text {
		t.Fatalf("expected store to hold the last write %q, got %q", text, stored.MaterializedText)
	}
}

func TestSetTitleStoresAndNotifies(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "titled")
	if _, _, err := env.store.LoadOrCreate(ctx, documentID); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	sink := realtime.NewChannelSink(4)
	env.manager.Subscribe(ctx, documentID, sink)

	updated, err := env.manager.SetTitle(ctx, documentID, "  Launch plan ")
	if err != nil {
		t.Fatalf("set title failed: %v", err)
	}
	if updated.Title != "Launch plan" {
		t.Fatalf("unexpected stored title %q", updated.Title)
	}
	event := expectEvent(t, sink)
	if title, ok := event.(realtime.TitleEvent); !ok || title.Title != "Launch plan" {
		t.Fatalf("expected title event, got %#v", event)
	}
	if env.manager.LiveSessions() != 0 {
		t.Fatalf("expected title change to leave replicas unloaded")
	}
}

func TestSetTitleRejectsOverlongTitle(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "long-title")
	if _, _, err := env.store.LoadOrCreate(ctx, documentID); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	before := env.storedDocument(t, documentID)
	sink := realtime.NewChannelSink(4)
	env.manager.Subscribe(ctx, documentID, sink)

	_, err := env.manager.SetTitle(ctx, documentID, strings.Repeat("t", 600))
	if !errors.Is(err, documents.ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	after := env.storedDocument(t, documentID)
	if after.Title != before.Title || after.UpdatedAtMillis != before.UpdatedAtMillis {
		t.Fatalf("expected row unchanged, got %#v", after)
	}
	expectNoEvent(t, sink)
}

func TestDeleteDocumentRefusedWhileLive(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "busy")

	if _, err := env.manager.Acquire(ctx, documentID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := env.manager.DeleteDocument(ctx, documentID); !errors.Is(err, ErrDocumentBusy) {
		t.Fatalf("expected ErrDocumentBusy, got %v", err)
	}
	if err := env.manager.Release(ctx, documentID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := env.manager.DeleteDocument(ctx, documentID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := env.store.GetDocument(ctx, documentID); !errors.Is(err, documents.ErrDocumentNotFound) {
		t.Fatalf("expected document removed, got %v", err)
	}
}

func TestCurrentTextPrefersLiveReplica(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "current")

	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	env.store.SetFailSaves(true)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "only in memory")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	current, err := env.manager.CurrentText(ctx, documentID)
	if err != nil {
		t.Fatalf("current text failed: %v", err)
	}
	if current.MaterializedText != "only in memory" {
		t.Fatalf("expected live text, got %q", current.MaterializedText)
	}
}

// seedText stores text with replica state through a released session.
func seedText(t *testing.T, env *testEnvironment, documentID documents.DocumentID, text string) {
	t.Helper()
	ctx := context.Background()
	session, err := env.manager.Acquire(ctx, documentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, text)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := env.manager.Release(ctx, documentID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if env.manager.LiveSessions() != 0 {
		t.Fatalf("expected seeding session to be torn down")
	}
}

func TestRestoreWaitsForInFlightLoad(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "loading")
	seedText(t, env, documentID, "Hello")
	emptyVersion := env.insertVersion(t, documentID, "version-empty", "")

	reached, resume := env.store.HoldNextLoad()
	defer resume()
	acquired := make(chan *Session, 1)
	go func() {
		session, err := env.manager.Acquire(ctx, documentID)
		if err != nil {
			t.Errorf("acquire failed: %v", err)
		}
		acquired <- session
	}()
	<-reached

	restored := make(chan error, 1)
	go func() {
		_, err := env.manager.RestoreVersion(ctx, documentID, emptyVersion)
		restored <- err
	}()
	select {
	case err := <-restored:
		t.Fatalf("expected restore to wait for the load, returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	resume()
	session := <-acquired
	if session == nil {
		t.Fatalf("expected a session")
	}
	if err := <-restored; err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if text := sessionText(t, session); text != "" {
		t.Fatalf("expected loaded replica to carry the restore, got %q", text)
	}

	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, "!")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if stored := env.storedDocument(t, documentID); stored.MaterializedText != "!" {
		t.Fatalf("expected next edit to build on the restored text, got %q", stored.MaterializedText)
	}
}

func TestDeleteWaitsForInFlightLoad(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	documentID := mustDocumentID(t, "loading-delete")
	seedText(t, env, documentID, "keep me")

	reached, resume := env.store.HoldNextLoad()
	defer resume()
	acquired := make(chan *Session, 1)
	go func() {
		session, err := env.manager.Acquire(ctx, documentID)
		if err != nil {
			t.Errorf("acquire failed: %v", err)
		}
		acquired <- session
	}()
	<-reached

	deleted := make(chan error, 1)
	go func() {
		deleted <- env.manager.DeleteDocument(ctx, documentID)
	}()
	select {
	case err := <-deleted:
		t.Fatalf("expected delete to wait for the load, returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	resume()
	session := <-acquired
	if err := <-deleted; !errors.Is(err, ErrDocumentBusy) {
		t.Fatalf("expected ErrDocumentBusy once the load registered, got %v", err)
	}

	client := forkClient(t, session)
	if _, err := session.ApplyUpdate(ctx, clientEdit(t, client, 0, 0, ">")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if stored := env.storedDocument(t, documentID); stored.MaterializedText != ">keep me" {
		t.Fatalf("expected the row to survive and keep persisting, got %q", stored.MaterializedText)
	}
	if err := env.manager.Release(ctx, documentID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if size := env.manager.guards.size(); size != 0 {
		t.Fatalf("expected document guards to be dropped when idle, %d remain", size)
	}
}

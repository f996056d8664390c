// Package replicatest provides an editing client for exercising replica transports in tests.
package replicatest

import (
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/neominik/write-collab/internal/replica"
)

// Client is a remote participant holding its own copy of a document body.
// It is not safe for concurrent use.
type Client struct {
	doc  *automerge.Doc
	sync *automerge.SyncState
}

// NewClient forks a client from bootstrap bytes served by the replica endpoint. Changes
// already contained in the snapshot are not reported by PendingChanges.
func NewClient(snapshot []byte) (*Client, error) {
	loaded, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("replicatest: load snapshot: %w", err)
	}
	doc, err := loaded.Fork()
	if err != nil {
		return nil, fmt.Errorf("replicatest: fork: %w", err)
	}
	_ = doc.SaveIncremental()
	return &Client{doc: doc, sync: automerge.NewSyncState(doc)}, nil
}

// NewEmptyClient returns a client with no state, which learns the body through sync.
func NewEmptyClient() *Client {
	doc := automerge.New()
	return &Client{doc: doc, sync: automerge.NewSyncState(doc)}
}

// Edit deletes deleteCount characters at position and inserts text there as one change.
func (c *Client) Edit(position, deleteCount int, text string) error {
	if err := c.doc.Path(replica.ContentKey).Text().Splice(position, deleteCount, text); err != nil {
		return fmt.Errorf("replicatest: edit text: %w", err)
	}
	if _, err := c.doc.Commit("edit", automerge.CommitOptions{}); err != nil {
		return fmt.Errorf("replicatest: commit edit: %w", err)
	}
	return nil
}

// PendingChanges returns the changes made since the previous call as an update fragment.
func (c *Client) PendingChanges() []byte {
	return c.doc.SaveIncremental()
}

// Text materializes the client's body.
func (c *Client) Text() (string, error) {
	return c.doc.Path(replica.ContentKey).Text().Get()
}

// Heads identifies the client's current state.
func (c *Client) Heads() []automerge.ChangeHash {
	return c.doc.Heads()
}

// Generate returns the next sync message for the server, or false when nothing is pending.
func (c *Client) Generate() ([]byte, bool) {
	message, valid := c.sync.GenerateMessage()
	if !valid || message == nil {
		return nil, false
	}
	return message.Bytes(), true
}

// Receive applies a sync message from the server.
func (c *Client) Receive(message []byte) error {
	if _, err := c.sync.ReceiveMessage(message); err != nil {
		return fmt.Errorf("replicatest: receive: %w", err)
	}
	return nil
}

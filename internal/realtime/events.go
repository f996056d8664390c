package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind names an event on the notification stream.
type EventKind string

const (
	EventKindRestore   EventKind = "restore"
	EventKindTitle     EventKind = "title"
	EventKindHeartbeat EventKind = "heartbeat"
)

// ErrUnknownEvent reports an event outside the closed event set.
var ErrUnknownEvent = errors.New("realtime: unknown event kind")

// Event is one of RestoreEvent, TitleEvent or Heartbeat.
type Event interface {
	Kind() EventKind
	event()
}

// RestoreEvent carries the text a document was restored to.
type RestoreEvent struct {
	Text string `json:"text"`
}

func (RestoreEvent) Kind() EventKind { return EventKindRestore }
func (RestoreEvent) event()          {}

// TitleEvent carries a document's new title.
type TitleEvent struct {
	Title string `json:"title"`
}

func (TitleEvent) Kind() EventKind { return EventKindTitle }
func (TitleEvent) event()          {}

// Heartbeat keeps idle streams open through intermediaries.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Heartbeat) Kind() EventKind { return EventKindHeartbeat }
func (Heartbeat) event()          {}

// EncodeEvent returns the wire name and JSON payload of an event.
func EncodeEvent(event Event) (string, []byte, error) {
	if event == nil {
		return "", nil, fmt.Errorf("%w: nil", ErrUnknownEvent)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("realtime: encode %s: %w", event.Kind(), err)
	}
	return string(event.Kind()), payload, nil
}

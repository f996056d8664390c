// Package realtime fans out-of-band document events to long-lived push subscriptions.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neominik/write-collab/internal/metrics"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval keeps idle streams below common proxy idle timeouts.
const DefaultHeartbeatInterval = 15 * time.Second

var (
	// ErrSinkClosed is returned by a sink whose consumer has gone away.
	ErrSinkClosed = errors.New("realtime: sink closed")
	// ErrSinkFull is returned by a sink that cannot accept another event without blocking.
	ErrSinkFull = errors.New("realtime: sink full")
)

// Sink receives events for one subscription. The dispatcher never calls Send concurrently.
type Sink interface {
	Send(Event) error
}

// closer is implemented by sinks that want to learn they were dropped.
type closer interface {
	Close()
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Registry
}

// Dispatcher keeps per-document sink sets and delivers events to them.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64

	// deliveries serializes every Send so per-document order equals publish order.
	deliveries sync.Mutex

	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Registry
}

type subscriber struct {
	id   int64
	sink Sink
	stop chan struct{}
	once sync.Once
}

func (s *subscriber) halt() {
	s.once.Do(func() {
		close(s.stop)
	})
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		heartbeat:   heartbeat,
		clock:       clock,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Subscribe registers sink for documentID until ctx is done or the returned function is
// called. A keep-alive Heartbeat is sent on every heartbeat interval.
func (d *Dispatcher) Subscribe(ctx context.Context, documentID string, sink Sink) func() {
	if documentID == "" || sink == nil {
		return func() {}
	}
	entry := &subscriber{
		sink: sink,
		stop: make(chan struct{}),
	}
	d.register(documentID, entry)
	cleanup := func() {
		entry.halt()
		d.unregister(documentID, entry.id)
	}
	go d.keepAlive(ctx, documentID, entry, cleanup)
	return cleanup
}

func (d *Dispatcher) keepAlive(ctx context.Context, documentID string, entry *subscriber, cleanup func()) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup()
			return
		case <-entry.stop:
			return
		case <-ticker.C:
			if !d.deliver(documentID, entry, Heartbeat{Timestamp: d.clock().UTC()}) {
				return
			}
		}
	}
}

// Publish delivers event to every sink registered for documentID and returns how many
// accepted it. Sinks that fail are dropped.
func (d *Dispatcher) Publish(documentID string, event Event) int {
	if documentID == "" || event == nil {
		return 0
	}
	d.deliveries.Lock()
	defer d.deliveries.Unlock()

	d.mu.RLock()
	registered := d.subscribers[documentID]
	copies := make([]*subscriber, 0, len(registered))
	for _, entry := range registered {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, entry := range copies {
		if d.sendLocked(documentID, entry, event) {
			delivered++
		}
	}
	d.metrics.EventPublished(string(event.Kind()), delivered)
	return delivered
}

// SubscriberCount reports the sinks currently registered for documentID.
func (d *Dispatcher) SubscriberCount(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

// DocumentCount reports how many documents have at least one sink.
func (d *Dispatcher) DocumentCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) deliver(documentID string, entry *subscriber, event Event) bool {
	d.deliveries.Lock()
	defer d.deliveries.Unlock()
	return d.sendLocked(documentID, entry, event)
}

func (d *Dispatcher) sendLocked(documentID string, entry *subscriber, event Event) bool {
	select {
	case <-entry.stop:
		return false
	default:
	}
	if err := entry.sink.Send(event); err != nil {
		d.logger.Debug("dropping notification sink",
			zap.String("document_id", documentID),
			zap.String("event", string(event.Kind())),
			zap.Error(err))
		entry.halt()
		d.unregister(documentID, entry.id)
		d.metrics.SinkDropped()
		if closable, ok := entry.sink.(closer); ok {
			closable.Close()
		}
		return false
	}
	return true
}

func (d *Dispatcher) register(documentID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	entry.id = d.nextID
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*subscriber)
	}
	d.subscribers[documentID][entry.id] = entry
	d.metrics.SubscriberAdded()
}

func (d *Dispatcher) unregister(documentID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	registered := d.subscribers[documentID]
	if _, ok := registered[subscriberID]; !ok {
		return
	}
	delete(registered, subscriberID)
	if len(registered) == 0 {
		delete(d.subscribers, documentID)
	}
	d.metrics.SubscriberRemoved()
}

// ChannelSink buffers events on a channel. A full buffer is reported as ErrSinkFull.
type ChannelSink struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewChannelSink returns a sink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Close marks the sink closed and closes its channel. Later sends fail with ErrSinkClosed.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

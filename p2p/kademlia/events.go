package kademlia

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

const defaultEventBuffer = 64

// EventType identifies an overlay notification
type EventType int

const (
	// EventPeerDiscovered: a peer answered one of our lookups and was newly added to the routing table
	EventPeerDiscovered EventType = iota + 1
	// EventBootstrapComplete: the bootstrap crawl finished and the DHT is ready
	EventBootstrapComplete
	// EventBootstrapFailed: a bootstrap attempt reached no seed; it will be retried
	EventBootstrapFailed
)

func (t EventType) String() string {
	switch t {
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventBootstrapComplete:
		return "bootstrap_complete"
	case EventBootstrapFailed:
		return "bootstrap_failed"
	default:
		return "unknown"
	}
}

// Event is delivered on DHT.Events
type Event struct {
	Type EventType
	Time time.Time

	// Peer is set for EventPeerDiscovered
	Peer *Node

	// Attempt and Err are set for EventBootstrapFailed
	Attempt int
	Err     error
}

// eventBus fans events out to a single buffered channel. Emitting never
// blocks: when the subscriber lags, events are dropped and counted.
type eventBus struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) emit(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
		logtrace.Warn(ctx, "event dropped: subscriber is not draining", logtrace.Fields{
			logtrace.FieldModule: "dht",
			"event":              e.Type.String(),
		})
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

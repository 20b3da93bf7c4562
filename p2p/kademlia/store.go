package kademlia

import (
	"context"
	"iter"
	"time"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

// Store is the local value cache of the DHT
type Store interface {
	// Store a value under a key digest, overwriting and resetting its age
	Store(ctx context.Context, key []byte, value domain.Value) error

	// Retrieve the value of a key digest
	Retrieve(ctx context.Context, key []byte) (domain.Value, bool)

	// IterateOlderThan yields entries at least age old, oldest first
	IterateOlderThan(age time.Duration) iter.Seq2[[]byte, domain.Value]

	// Cull drops entries older than horizon and returns how many were dropped
	Cull(horizon time.Duration) int

	// Count returns the number of entries
	Count() int

	// Stats returns store statistics
	Stats(ctx context.Context) (map[string]interface{}, error)
}

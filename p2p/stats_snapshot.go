package p2p

import (
	"context"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
)

// StatsSnapshot is a typed alternative to Client.Stats' map[string]any payload.
// It is intended for internal consumers that want compile-time safety.
type StatsSnapshot struct {
	Self       *kademlia.Node
	State      kademlia.State
	PeersCount int
	Peers      []*kademlia.Node

	RecentRequests []kademlia.RecentRPCEntry
	DHTMetrics     kademlia.DHTMetricsSnapshot
}

// StatsSnapshot reads the overlay state directly, bypassing the stats cache.
func (s *p2p) StatsSnapshot(ctx context.Context) (*StatsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recent, _ := s.dht.RecentRequests()
	peers := s.dht.Peers()
	return &StatsSnapshot{
		Self:           s.dht.Self(),
		State:          s.dht.State(),
		PeersCount:     len(peers),
		Peers:          peers,
		RecentRequests: recent,
		DHTMetrics:     s.dht.MetricsSnapshot(),
	}, nil
}

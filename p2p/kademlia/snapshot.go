package kademlia

import (
	"context"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/store/sqlite"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

// SaveSnapshot writes k, alpha, the local id and the bootstrappable
// neighbors to path. Nothing is written without neighbors.
func (s *DHT) SaveSnapshot(ctx context.Context, path string) error {
	neighbors := s.BootstrappableNeighbors()
	if len(neighbors) == 0 {
		logtrace.Warn(ctx, "no known neighbors, snapshot not written", logtrace.Fields{logtrace.FieldModule: "dht"})
		return ErrNoNeighbors
	}

	snap := domain.Snapshot{
		K:       s.k(),
		Alpha:   s.alpha(),
		ID:      s.ht.self.ID,
		SavedAt: s.clock.Now().UTC(),
	}
	for _, n := range neighbors {
		snap.Neighbors = append(snap.Neighbors, domain.Contact{ID: n.ID, IP: n.IP, Port: n.Port, VK: n.VK})
	}

	store, err := sqlite.NewStore(ctx, path)
	if err != nil {
		return errors.Wrap(err, "open snapshot")
	}
	defer store.Close()

	if err := store.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	logtrace.Debug(ctx, "snapshot saved", logtrace.Fields{
		logtrace.FieldModule: "dht",
		"path":               path,
		"neighbors":          len(snap.Neighbors),
	})
	return nil
}

// ReadSnapshot reads the snapshot saved at path. Neighbors whose id does
// not match their verifying key are returned as address-only seeds.
func ReadSnapshot(ctx context.Context, path string) (domain.Snapshot, []*Node, error) {
	store, err := sqlite.NewStore(ctx, path)
	if err != nil {
		return domain.Snapshot{}, nil, errors.Wrap(err, "open snapshot")
	}
	defer store.Close()

	snap, err := store.Load(ctx)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	nodes := make([]*Node, 0, len(snap.Neighbors))
	for _, c := range snap.Neighbors {
		n := &Node{ID: c.ID, IP: c.IP, Port: c.Port, VK: c.VK}
		if !n.IdentityConsistent() {
			n.ID, n.VK = nil, nil
		}
		nodes = append(nodes, n)
	}
	return snap, nodes, nil
}

// LoadSnapshot reads the neighbors saved at path, for use as bootstrap seeds.
func (s *DHT) LoadSnapshot(ctx context.Context, path string) ([]*Node, error) {
	_, nodes, err := ReadSnapshot(ctx, path)
	return nodes, err
}

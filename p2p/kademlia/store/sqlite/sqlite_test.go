//go:build !race
// +build !race

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

func TestLoad_EmptyReturnsErrNoSnapshot(t *testing.T) {
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSaveLoad_KeepsNeighborOrder(t *testing.T) {
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "nested", "snap.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := domain.Snapshot{
		K:     20,
		Alpha: 3,
		ID:    []byte("0123456789abcdefghij"),
		Neighbors: []domain.Contact{
			{ID: []byte{0xff}, IP: "10.0.0.2", Port: 4445, VK: []byte("vk-ff")},
			{ID: []byte{0x00}, IP: "10.0.0.1", Port: 4446},
		},
		SavedAt: ts,
	}
	require.NoError(t, store.Save(context.Background(), snap))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, got.K)
	require.Equal(t, 3, got.Alpha)
	require.Equal(t, snap.ID, got.ID)
	require.True(t, got.SavedAt.Equal(ts))
	require.Len(t, got.Neighbors, 2)
	if got.Neighbors[0].IP != "10.0.0.2" || got.Neighbors[1].IP != "10.0.0.1" {
		t.Fatalf("unexpected order: %+v", got.Neighbors)
	}
	require.Equal(t, []byte("vk-ff"), got.Neighbors[0].VK)
	require.Empty(t, got.Neighbors[1].VK)
}

func TestSave_ReplacesPreviousSnapshot(t *testing.T) {
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	first := domain.Snapshot{K: 20, Alpha: 3, ID: []byte("a"), Neighbors: []domain.Contact{
		{ID: []byte{1}, IP: "10.0.0.1", Port: 1},
		{ID: []byte{2}, IP: "10.0.0.2", Port: 2},
	}}
	second := domain.Snapshot{K: 8, Alpha: 2, ID: []byte("b"), Neighbors: []domain.Contact{
		{ID: []byte{3}, IP: "10.0.0.3", Port: 3},
	}}
	require.NoError(t, store.Save(context.Background(), first))
	require.NoError(t, store.Save(context.Background(), second))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, got.K)
	require.Equal(t, []byte("b"), got.ID)
	require.Len(t, got.Neighbors, 1)
	require.Equal(t, uint16(3), got.Neighbors[0].Port)
}

func TestSave_CanceledContext(t *testing.T) {
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, domain.Snapshot{ID: []byte("x")}); err == nil {
		t.Fatalf("expected error on canceled context")
	}
}

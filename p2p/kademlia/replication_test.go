package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/store/memory"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

func newIdleDHT(t *testing.T, mock *clock.Mock, opts ...func(*Options)) (*DHT, *memory.Store) {
	t.Helper()
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	o := &Options{Signer: kp, IP: "127.0.0.1", Clock: mock}
	for _, fn := range opts {
		fn(o)
	}
	st := memory.NewStore(mock)
	d, err := NewDHT(context.Background(), st, o)
	require.NoError(t, err)
	return d, st
}

func TestRefreshRepublishesOldValues(t *testing.T) {
	mock := clock.NewMock()
	d, st := newIdleDHT(t, mock)
	ctx := context.Background()

	old := utils.Digest([]byte("old"))
	fresh := utils.Digest([]byte("fresh"))
	require.NoError(t, st.Store(ctx, old, domain.IntValue(1)))
	mock.Add(2 * time.Hour)
	require.NoError(t, st.Store(ctx, fresh, domain.IntValue(2)))

	d.Refresh(ctx)

	assert.Equal(t, int64(1), d.MetricsSnapshot().Republished)
	assert.Equal(t, 2, st.Count())

	// republishing without neighbors rewrote the value locally and reset its age
	var aged int
	for range st.IterateOlderThan(time.Hour) {
		aged++
	}
	assert.Zero(t, aged)
}

func TestRefreshCullsPastHorizon(t *testing.T) {
	mock := clock.NewMock()
	d, st := newIdleDHT(t, mock, func(o *Options) {
		o.RepublishAge = 48 * time.Hour
		o.CullHorizon = 24 * time.Hour
	})
	ctx := context.Background()

	require.NoError(t, st.Store(ctx, utils.Digest([]byte("a")), domain.BoolValue(true)))
	mock.Add(25 * time.Hour)
	require.NoError(t, st.Store(ctx, utils.Digest([]byte("b")), domain.BoolValue(false)))

	d.Refresh(ctx)

	assert.Equal(t, 1, st.Count())
	_, ok := st.Retrieve(ctx, utils.Digest([]byte("b")))
	assert.True(t, ok)
	assert.Zero(t, d.MetricsSnapshot().Republished)
}

func TestRefreshCancelledKeepsTable(t *testing.T) {
	mock := clock.NewMock()
	d, _ := newIdleDHT(t, mock)

	peer := NewNode(BucketRange{Index: 4, Self: d.ht.self.ID}.RandomID(), "127.0.0.1", 1)
	d.ht.addContact(peer)
	mock.Add(2 * time.Hour)
	require.NotEmpty(t, d.ht.lonelyBuckets())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Refresh(ctx)

	assert.NotNil(t, d.ht.contact(peer.ID), "an abandoned crawl does not evict")
}

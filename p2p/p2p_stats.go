package p2p

import (
	"context"
	"sync/atomic"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

const (
	// Cache layout:
	// - p2pStatsLKGKey is the long-lived last-known-good snapshot. Stats calls serve from it
	//   immediately and refresh it asynchronously when stale.
	// - p2pStatsFreshKey is a short-lived freshness marker. Its presence means "recently
	//   refreshed", so no other refresh is started yet.
	p2pStatsLKGKey   = "p2p_stats/snapshot"
	p2pStatsFreshKey = "p2p_stats/fresh"

	// p2pStatsFreshTTL is the minimum time between two refreshes of the DHT
	// diagnostics (routing table, store, recent requests).
	p2pStatsFreshTTL = 30 * time.Second
	// p2pStatsCacheKeepAlive bounds how long a snapshot serves as fallback.
	p2pStatsCacheKeepAlive = 10 * time.Minute
	// p2pStatsRefreshTimeout is the time budget of one refresh.
	p2pStatsRefreshTimeout = 6 * time.Second

	p2pStatsSlowRefreshThreshold = 750 * time.Millisecond
)

type p2pStatsSnapshot struct {
	PeersCount int
	State      string

	DHT        map[string]any
	DHTMetrics kademlia.DHTMetricsSnapshot
}

type p2pStatsManager struct {
	cache *ristretto.Cache[string, any]
	sf    singleflight.Group

	refreshInFlight atomic.Bool
}

func newP2PStatsManager() *p2pStatsManager {
	c, _ := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	return &p2pStatsManager{cache: c}
}

func (m *p2pStatsManager) getSnapshot() *p2pStatsSnapshot {
	if m == nil || m.cache == nil {
		return nil
	}
	v, ok := m.cache.Get(p2pStatsLKGKey)
	if !ok {
		return nil
	}
	snap, _ := v.(*p2pStatsSnapshot)
	return snap
}

func (m *p2pStatsManager) setSnapshot(snap *p2pStatsSnapshot) {
	if m == nil || m.cache == nil || snap == nil {
		return
	}
	m.cache.SetWithTTL(p2pStatsLKGKey, snap, 1, p2pStatsCacheKeepAlive)
	m.cache.Wait()
}

func (m *p2pStatsManager) isFresh() bool {
	if m == nil || m.cache == nil {
		return false
	}
	_, ok := m.cache.Get(p2pStatsFreshKey)
	return ok
}

func (m *p2pStatsManager) markFresh() {
	if m == nil || m.cache == nil {
		return
	}
	m.cache.SetWithTTL(p2pStatsFreshKey, true, 1, p2pStatsFreshTTL)
	m.cache.Wait()
}

// Stats returns the status map of the overlay.
//
// The call returns from the cached snapshot. PeersCount and State are read
// from the DHT on every call; the heavier diagnostics are refreshed at most
// once per p2pStatsFreshTTL, deduplicated across concurrent callers. The
// first call, with nothing cached yet, waits for that refresh.
func (m *p2pStatsManager) Stats(ctx context.Context, p *p2p) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prev := m.getSnapshot()
	if prev == nil {
		if err := m.refresh(ctx, p); err != nil {
			return nil, err
		}
		prev = m.getSnapshot()
	}

	snap := &p2pStatsSnapshot{}
	if prev != nil {
		*snap = *prev
	}
	if p != nil && p.dht != nil {
		snap.PeersCount = p.dht.NodesLen()
		snap.State = p.dht.State().String()
	}
	m.setSnapshot(snap)

	if !m.isFresh() {
		m.maybeRefreshDiagnostics(ctx, p)
	}

	return snapshotToMap(snap, p), nil
}

func (m *p2pStatsManager) maybeRefreshDiagnostics(ctx context.Context, p *p2p) {
	if m == nil || p == nil {
		return
	}
	if !m.refreshInFlight.CompareAndSwap(false, true) {
		return
	}

	logCtx := context.WithoutCancel(ctx)
	go func() {
		defer m.refreshInFlight.Store(false)
		if err := m.refresh(logCtx, p); err != nil {
			logtrace.Warn(logCtx, "p2p stats diagnostics refresh failed", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldError:  err.Error(),
			})
		}
	}()
}

// refresh rebuilds the diagnostics once for every concurrent caller.
func (m *p2pStatsManager) refresh(ctx context.Context, p *p2p) error {
	start := time.Now()
	_, err, _ := m.sf.Do("p2p_stats/refresh_diagnostics", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p2pStatsRefreshTimeout)
		defer cancel()
		return nil, m.refreshDiagnostics(refreshCtx, p)
	})
	if dur := time.Since(start); dur > p2pStatsSlowRefreshThreshold {
		logtrace.Warn(ctx, "p2p stats diagnostics refresh slow", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			"ms":                 dur.Milliseconds(),
		})
	}
	return err
}

func (m *p2pStatsManager) refreshDiagnostics(ctx context.Context, p *p2p) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prev := m.getSnapshot()
	next := &p2pStatsSnapshot{}
	if prev != nil {
		*next = *prev
	}

	if p != nil && p.dht != nil {
		dhtStats, err := p.dht.Stats(ctx)
		if err != nil {
			return err
		}
		next.DHT = dhtStats
		next.DHTMetrics = p.dht.MetricsSnapshot()
		next.PeersCount = p.dht.NodesLen()
		next.State = p.dht.State().String()
	}

	m.setSnapshot(next)
	m.markFresh()
	return nil
}

func snapshotToMap(snap *p2pStatsSnapshot, p *p2p) map[string]interface{} {
	ret := map[string]interface{}{}

	dhtStats := map[string]any{}
	if snap != nil && snap.DHT != nil {
		dhtStats = make(map[string]any, len(snap.DHT)+2)
		for k, v := range snap.DHT {
			dhtStats[k] = v
		}
	}
	if snap != nil {
		dhtStats["peers_count"] = snap.PeersCount
		dhtStats["state"] = snap.State
		ret["dht_metrics"] = snap.DHTMetrics
	}

	ret["dht"] = dhtStats
	if p != nil {
		ret["config"] = p.config
		ret["running"] = p.running.Load()
	}
	return ret
}

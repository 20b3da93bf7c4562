package kademlia

import (
	"context"
	"encoding/hex"

	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

// StartRefreshWorker runs Refresh every RefreshInterval until ctx is done.
func (s *DHT) StartRefreshWorker(ctx context.Context) {
	logtrace.Debug(ctx, "refresh worker started", logtrace.Fields{logtrace.FieldModule: "p2p"})

	for {
		select {
		case <-s.clock.After(s.options.RefreshInterval):
			s.Refresh(ctx)
		case <-ctx.Done():
			logtrace.Info(ctx, "closing refresh worker", logtrace.Fields{logtrace.FieldModule: "p2p"})
			return
		}
	}
}

// Refresh keeps the table and the stored values alive: a random id inside
// every lonely bucket is crawled, values older than RepublishAge are stored
// again on the network, and values past CullHorizon are dropped.
func (s *DHT) Refresh(ctx context.Context) {
	ctx, h := s.startOp(ctx, "refresh")
	defer h.End(ctx)

	lonely := s.ht.lonelyBuckets()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.alpha())
	for _, r := range lonely {
		r := r
		g.Go(func() error {
			if _, err := s.iterate(gctx, r.RandomID()); err != nil {
				return err
			}
			// a crawl only marks the target bucket; mark the lonely one too
			s.ht.resetRefreshTime(r.Index)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logtrace.Debug(ctx, "refresh crawl interrupted", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldError:  err.Error(),
		})
	}

	republished := 0
	for key, value := range s.store.IterateOlderThan(s.options.RepublishAge) {
		if ctx.Err() != nil {
			return
		}
		s.limiter.Take()
		if !s.storeDigest(ctx, key, value) {
			logtrace.Debug(ctx, "republish reached no remote node", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldKey:    hex.EncodeToString(key),
			})
		}
		s.metrics.IncRepublished()
		republished++
	}

	culled := s.store.Cull(s.options.CullHorizon)

	logtrace.Debug(ctx, "refresh done", logtrace.Fields{
		logtrace.FieldModule: "p2p",
		"lonely_buckets":     len(lonely),
		"republished":        republished,
		"culled":             culled,
		"peers":              s.ht.totalCount(),
	})
}

// StartSnapshotWorker writes the snapshot file every SnapshotInterval.
func (s *DHT) StartSnapshotWorker(ctx context.Context) {
	for {
		select {
		case <-s.clock.After(s.options.SnapshotInterval):
			err := s.SaveSnapshot(ctx, s.options.SnapshotPath)
			if err != nil && !errors.Is(err, ErrNoNeighbors) {
				logtrace.Warn(ctx, "save snapshot failed", logtrace.Fields{
					logtrace.FieldModule: "p2p",
					logtrace.FieldError:  err.Error(),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

package kademlia

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

var errNoLiveSeed = errors.New("no live seed")

// Bootstrap joins the network: seeds are pinged in parallel, unreachable
// ones are discarded, and a crawl for the local id populates the routing
// table. When no seed answers and this node is not a designated seed the
// attempt is reported on the event stream and retried with exponential
// backoff; ErrBootstrapFailed is returned after MaxBootstrapAttempts.
// Nodes from the snapshot file, if any, are used as extra seeds.
func (s *DHT) Bootstrap(ctx context.Context, seeds []*Node) error {
	if st := s.State(); st != StateListening && st != StateReady {
		return errors.Errorf("%w: bootstrap in state %s", ErrNotStarted, st)
	}

	ctx, h := s.startOp(ctx, "bootstrap")
	defer h.End(ctx)

	seeds = append(append([]*Node(nil), seeds...), s.options.BootstrapNodes...)
	if s.options.SnapshotPath != "" {
		if snap, err := s.LoadSnapshot(ctx, s.options.SnapshotPath); err == nil {
			seeds = append(seeds, snap...)
		}
	}
	seeds = s.filterSeeds(seeds)

	s.setState(ctx, StateBootstrapping)

	attempt := 0
	operation := func() error {
		attempt++
		err := s.bootstrapOnce(ctx, seeds)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logtrace.Warn(ctx, "bootstrap attempt failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			"attempt":            attempt,
			"seeds":              len(seeds),
			logtrace.FieldError:  err.Error(),
		})
		s.events.emit(ctx, Event{Type: EventBootstrapFailed, Time: s.clock.Now(), Attempt: attempt, Err: err})
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.options.BootstrapBackoff
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.options.MaxBootstrapAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		s.setState(ctx, StateListening)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logtrace.Error(ctx, "bootstrap failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			"attempts":           attempt,
		})
		return errors.Errorf("%w after %d attempts", ErrBootstrapFailed, attempt)
	}

	s.setState(ctx, StateReady)
	s.events.emit(ctx, Event{Type: EventBootstrapComplete, Time: s.clock.Now()})
	logtrace.Info(ctx, "bootstrap complete", logtrace.Fields{
		logtrace.FieldModule: "dht",
		"peers":              s.ht.totalCount(),
	})
	return nil
}

func (s *DHT) bootstrapOnce(ctx context.Context, seeds []*Node) error {
	live := s.pingSeeds(ctx, seeds)
	if len(live) == 0 && !s.options.IsSeed {
		return errNoLiveSeed
	}

	if _, err := s.iterate(ctx, s.ht.self.ID); err != nil {
		return errors.Errorf("bootstrap crawl: %w", err)
	}
	return nil
}

// pingSeeds pings every seed concurrently and returns those that answered.
// Responders are added to the routing table by the call policy.
func (s *DHT) pingSeeds(ctx context.Context, seeds []*Node) []*Node {
	var (
		mu   sync.Mutex
		live []*Node
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			responder, err := s.sendPing(gctx, seed)
			if err != nil {
				logtrace.Debug(ctx, "seed unreachable", logtrace.Fields{
					logtrace.FieldModule: "dht",
					logtrace.FieldPeer:   seed.Address(),
					logtrace.FieldError:  err.Error(),
				})
				return nil
			}
			mu.Lock()
			live = append(live, responder)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return live
}

// filterSeeds drops self and duplicate addresses.
func (s *DHT) filterSeeds(seeds []*Node) []*Node {
	self := s.ht.self
	seen := make(map[string]bool, len(seeds))
	out := make([]*Node, 0, len(seeds))
	for _, n := range seeds {
		if n == nil || n.IP == "" || n.Port == 0 {
			continue
		}
		if len(n.ID) > 0 && n.Equal(self) {
			continue
		}
		if seen[n.Address()] {
			continue
		}
		seen[n.Address()] = true
		out = append(out, n.Clone())
	}
	return out
}

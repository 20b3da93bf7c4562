package kademlia

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

const (
	// IterateFindNode converges on the k nodes nearest to a target id
	IterateFindNode = iota
	// IterateFindValue stops at the first node holding the key
	IterateFindValue
)

func iterateName(kind int) string {
	if kind == IterateFindValue {
		return "find_value"
	}
	return "find_node"
}

// crawl is the state of one iterative lookup. Merges from concurrent
// responses are serialized by mu.
type crawl struct {
	dht    *DHT
	kind   int
	target []byte

	mu        sync.Mutex
	shortlist *NodeList
	contacted map[string]bool
	// nodes that failed to answer; later responses cannot bring them back
	failed map[string]bool
	// nodes that answered a find_value without the value, nearest first
	withoutValue *NodeList
	value        *domain.Value
	holder       *Node
	rounds       int
}

func (s *DHT) newCrawl(kind int, target []byte, seeds *NodeList) *crawl {
	c := &crawl{
		dht:          s,
		kind:         kind,
		target:       target,
		shortlist:    &NodeList{Comparator: target},
		contacted:    make(map[string]bool),
		failed:       make(map[string]bool),
		withoutValue: &NodeList{Comparator: target},
	}
	c.shortlist.AddNodes(seeds.Nodes)
	c.shortlist.Sort()
	c.shortlist.TopN(s.k())
	return c
}

// nextRound picks the alpha nearest nodes that have not been contacted and
// marks them contacted.
func (c *crawl) nextRound() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []*Node
	for _, n := range c.shortlist.Nodes {
		if len(batch) >= c.dht.alpha() {
			break
		}
		if c.contacted[string(n.ID)] {
			continue
		}
		c.contacted[string(n.ID)] = true
		batch = append(batch, n.Clone())
	}
	return batch
}

func (c *crawl) closest() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.shortlist.Closest(); n != nil {
		return n.ID
	}
	return nil
}

// merge folds the nodes returned by a responder into the shortlist.
func (c *crawl) merge(ctx context.Context, from *Node, nodes []*Node) {
	accepted := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || bytes.Equal(n.ID, c.dht.ht.self.ID) {
			continue
		}
		if len(n.VK) == 0 {
			if vk, ok := c.dht.identities.Lookup(n.ID); ok {
				n.VK = vk
			}
		}
		if !n.IdentityConsistent() {
			logtrace.Debug(ctx, "drop crawl entry: id does not match verifying key", logtrace.Fields{
				logtrace.FieldModule: "dht",
				logtrace.FieldPeer:   from.String(),
				logtrace.FieldNode:   n.String(),
			})
			continue
		}
		accepted = append(accepted, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := accepted[:0]
	for _, n := range accepted {
		if !c.failed[string(n.ID)] {
			kept = append(kept, n)
		}
	}
	c.shortlist.AddNodes(kept)
	c.shortlist.Sort()
	c.shortlist.TopN(c.dht.k())
}

// drop prunes an unresponsive node from the shortlist for the rest of the
// crawl.
func (c *crawl) drop(n *Node) {
	c.mu.Lock()
	c.failed[string(n.ID)] = true
	c.shortlist.DelNode(n)
	c.mu.Unlock()
}

// found records the first value hit. It reports whether this hit won.
func (c *crawl) found(v domain.Value, holder *Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != nil {
		return false
	}
	c.value = &v
	c.holder = holder
	return true
}

func (c *crawl) missed(n *Node) {
	c.mu.Lock()
	c.withoutValue.AddNodes([]*Node{n})
	c.withoutValue.Sort()
	c.mu.Unlock()
}

// query issues one RPC of the round. Unresponsive nodes are dropped from the
// shortlist; the routing table side is handled by DHT.call.
func (c *crawl) query(ctx context.Context, n *Node, stop context.CancelFunc) {
	switch c.kind {
	case IterateFindValue:
		rsp, err := c.dht.sendFindValue(ctx, n, c.target)
		if err != nil {
			if !isAbandoned(err) {
				c.drop(n)
			}
			return
		}
		if rsp.Found {
			if err := rsp.Value.Validate(); err != nil {
				c.drop(n)
				return
			}
			if c.found(rsp.Value, n) {
				stop()
			}
			return
		}
		c.missed(n)
		c.merge(ctx, n, rsp.Closest)

	default:
		rsp, err := c.dht.sendFindNode(ctx, n, c.target)
		if err != nil {
			if !isAbandoned(err) {
				c.drop(n)
			}
			return
		}
		c.merge(ctx, n, rsp.Closest)
	}
}

// run drives rounds until the shortlist stops improving, no uncontacted
// candidate is left, or (for value crawls) a value is found. Cancellation is
// observed between rounds only.
func (c *crawl) run(ctx context.Context) error {
	started := time.Now()
	defer func() {
		c.dht.metrics.RecordLookup(iterateName(c.kind), c.rounds, c.value != nil, time.Since(started))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := c.nextRound()
		if len(batch) == 0 {
			return nil
		}
		before := c.closest()

		roundCtx, stop := context.WithCancel(ctx)
		var g errgroup.Group
		for _, n := range batch {
			n := n
			g.Go(func() error {
				c.query(roundCtx, n, stop)
				return nil
			})
		}
		_ = g.Wait()
		stop()
		c.rounds++

		if c.value != nil {
			return nil
		}

		after := c.closest()
		logtrace.Debug(ctx, "crawl round done", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldTarget: hex.EncodeToString(c.target),
			"kind":               iterateName(c.kind),
			"round":              c.rounds,
			"queried":            len(batch),
		})
		if !improved(c.target, before, after) {
			return nil
		}
	}
}

func improved(target, before, after []byte) bool {
	if after == nil {
		return false
	}
	if before == nil {
		return true
	}
	return bytes.Compare(Distance(target, after), Distance(target, before)) < 0
}

func (c *crawl) result() *NodeList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shortlist.Clone()
}

// iterate runs a node crawl towards target seeded from the routing table.
func (s *DHT) iterate(ctx context.Context, target []byte) (*NodeList, error) {
	seeds := s.ht.findNeighbors(target, s.k())
	if seeds.Len() == 0 {
		return &NodeList{Comparator: target}, nil
	}
	if idx := s.ht.bucketIndex(target); idx < B {
		s.ht.resetRefreshTime(idx)
	}

	c := s.newCrawl(IterateFindNode, target, seeds)
	err := c.run(ctx)
	return c.result(), err
}

// iterateFindValue runs a value crawl for a key digest. A hit is cached on
// the nearest contacted node that answered without it.
func (s *DHT) iterateFindValue(ctx context.Context, key []byte) (domain.Value, bool, error) {
	seeds := s.ht.findNeighbors(key, s.k())
	if seeds.Len() == 0 {
		return domain.Value{}, false, nil
	}

	c := s.newCrawl(IterateFindValue, key, seeds)
	if err := c.run(ctx); err != nil {
		return domain.Value{}, false, err
	}
	if c.value == nil {
		return domain.Value{}, false, nil
	}

	if peer := c.withoutValue.Closest(); peer != nil {
		if _, err := s.sendStoreData(ctx, peer, key, *c.value); err != nil {
			logtrace.Debug(ctx, "cache value on nearest peer failed", logtrace.Fields{
				logtrace.FieldModule: "dht",
				logtrace.FieldPeer:   peer.String(),
				logtrace.FieldError:  err.Error(),
			})
		}
	}
	return *c.value, true, nil
}

// iterateIdentity resolves a verifying key to a node. Entries missing a key
// are backfilled from the identity book, or from vk itself when their id is
// its digest; entries whose key does not hash to their id are ignored.
func (s *DHT) iterateIdentity(ctx context.Context, vk []byte) (*Node, bool, error) {
	id := utils.Digest(vk)
	nl, err := s.iterate(ctx, id)
	if err != nil {
		return nil, false, err
	}

	for _, n := range nl.Nodes {
		if len(n.VK) == 0 {
			if known, ok := s.identities.Lookup(n.ID); ok {
				n.VK = known
			} else if bytes.Equal(n.ID, id) {
				n.VK = append([]byte(nil), vk...)
			}
		}
		if !n.IdentityConsistent() {
			continue
		}
		if bytes.Equal(n.VK, vk) {
			return n, true, nil
		}
	}
	return nil, false, nil
}

package kademlia

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

const defaultStaleness = time.Hour

// addResult reports what addContact did with a contact
type addResult int

const (
	// contactRejected: self or malformed id
	contactRejected addResult = iota
	// contactInserted: the contact was not in the table and now is
	contactInserted
	// contactRefreshed: the contact was known and moved to the MRU position
	contactRefreshed
	// contactBucketFull: the bucket is full; the LRU contact must be probed
	contactBucketFull
)

type bucket struct {
	// least recently seen at the front
	nodes      []*Node
	lastActive time.Time
}

func (b *bucket) indexOf(id []byte) int {
	for i, n := range b.nodes {
		if bytes.Equal(n.ID, id) {
			return i
		}
	}
	return -1
}

func (b *bucket) remove(i int) *Node {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return n
}

// HashTable is the routing table: B k-buckets indexed by the length of the
// prefix a contact shares with the local node
type HashTable struct {
	// the local node
	self *Node

	// bucket capacity
	k int

	// buckets idle for longer than this are lonely
	staleness time.Duration

	clock clock.Clock

	// guards routeTable
	mutex      sync.RWMutex
	routeTable []*bucket
}

// NewHashTable creates a routing table for self.
func NewHashTable(self *Node, k int, staleness time.Duration, clk clock.Clock) (*HashTable, error) {
	if self == nil || len(self.ID) != utils.DigestSize {
		return nil, errors.New("self node must carry a 160-bit id")
	}
	if k <= 0 {
		k = K
	}
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	if clk == nil {
		clk = clock.New()
	}

	ht := &HashTable{
		self:       self,
		k:          k,
		staleness:  staleness,
		clock:      clk,
		routeTable: make([]*bucket, B),
	}
	now := clk.Now()
	for i := range ht.routeTable {
		ht.routeTable[i] = &bucket{lastActive: now}
	}
	return ht, nil
}

// bucketIndex returns the bucket a contact with the given id belongs to.
// The self id maps past the last bucket.
func (ht *HashTable) bucketIndex(id []byte) int {
	return commonPrefixLen(ht.self.ID, id)
}

// addContact inserts node or moves it to the MRU position. When the bucket
// is full it returns contactBucketFull together with a copy of the LRU
// contact; the caller probes it and calls replaceContact if it is dead.
func (ht *HashTable) addContact(node *Node) (addResult, *Node) {
	if node == nil || len(node.ID) != utils.DigestSize || bytes.Equal(node.ID, ht.self.ID) {
		return contactRejected, nil
	}
	idx := ht.bucketIndex(node.ID)

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	b := ht.routeTable[idx]
	if i := b.indexOf(node.ID); i >= 0 {
		known := b.remove(i)
		known.IP, known.Port = node.IP, node.Port
		if len(node.VK) > 0 {
			known.VK = append([]byte(nil), node.VK...)
		}
		b.nodes = append(b.nodes, known)
		b.lastActive = ht.clock.Now()
		return contactRefreshed, nil
	}

	if len(b.nodes) < ht.k {
		b.nodes = append(b.nodes, node.Clone())
		b.lastActive = ht.clock.Now()
		return contactInserted, nil
	}

	return contactBucketFull, b.nodes[0].Clone()
}

// replaceContact evicts lru (if still present) and inserts newcomer when
// there is room. It reports whether newcomer was inserted.
func (ht *HashTable) replaceContact(lru, newcomer *Node) bool {
	idx := ht.bucketIndex(newcomer.ID)

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	b := ht.routeTable[idx]
	if i := b.indexOf(lru.ID); i >= 0 {
		b.remove(i)
	}
	if b.indexOf(newcomer.ID) >= 0 || len(b.nodes) >= ht.k {
		return false
	}
	b.nodes = append(b.nodes, newcomer.Clone())
	b.lastActive = ht.clock.Now()
	return true
}

// removeContact evicts node. It reports whether the node was present.
func (ht *HashTable) removeContact(node *Node) bool {
	idx := ht.bucketIndex(node.ID)
	if idx >= B {
		return false
	}

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	b := ht.routeTable[idx]
	i := b.indexOf(node.ID)
	if i < 0 {
		return false
	}
	b.remove(i)
	return true
}

// isNewNode reports whether node is absent from every bucket.
func (ht *HashTable) isNewNode(node *Node) bool {
	idx := ht.bucketIndex(node.ID)
	if idx >= B {
		return false
	}

	ht.mutex.RLock()
	defer ht.mutex.RUnlock()
	return ht.routeTable[idx].indexOf(node.ID) < 0
}

// contact returns a copy of the stored contact with the given id.
func (ht *HashTable) contact(id []byte) *Node {
	idx := ht.bucketIndex(id)
	if idx >= B {
		return nil
	}

	ht.mutex.RLock()
	defer ht.mutex.RUnlock()
	b := ht.routeTable[idx]
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i].Clone()
	}
	return nil
}

// findNeighbors returns up to count contacts nearest to target, sorted by
// distance. The target's bucket is read first, then the buckets sharing a
// longer prefix with self, then shorter prefixes in decreasing order, so
// scanning can stop as soon as count contacts are gathered.
func (ht *HashTable) findNeighbors(target []byte, count int, ignores ...*Node) *NodeList {
	if count <= 0 {
		count = ht.k
	}
	nl := &NodeList{Comparator: target}

	skip := func(n *Node) bool {
		for _, ig := range ignores {
			if ig != nil && bytes.Equal(ig.ID, n.ID) {
				return true
			}
		}
		return false
	}

	ht.mutex.RLock()
	for _, idx := range scanOrder(ht.bucketIndex(target)) {
		for _, n := range ht.routeTable[idx].nodes {
			if !skip(n) {
				nl.Nodes = append(nl.Nodes, n.Clone())
			}
		}
		if nl.Len() >= count {
			break
		}
	}
	ht.mutex.RUnlock()

	nl.Sort()
	nl.TopN(count)
	return nl
}

func scanOrder(start int) []int {
	order := make([]int, 0, B)
	if start < B {
		for i := start; i < B; i++ {
			order = append(order, i)
		}
	}
	lower := start - 1
	if lower >= B {
		lower = B - 1
	}
	for i := lower; i >= 0; i-- {
		order = append(order, i)
	}
	return order
}

// resetRefreshTime marks a bucket as active now.
func (ht *HashTable) resetRefreshTime(idx int) {
	if idx < 0 || idx >= B {
		return
	}
	ht.mutex.Lock()
	ht.routeTable[idx].lastActive = ht.clock.Now()
	ht.mutex.Unlock()
}

// BucketRange is the id range covered by a bucket: ids sharing exactly
// Index leading bits with Self
type BucketRange struct {
	Index int
	Self  []byte
}

func (r BucketRange) String() string {
	return fmt.Sprintf("bucket[%d]", r.Index)
}

// Contains reports whether id falls inside the range.
func (r BucketRange) Contains(id []byte) bool {
	return commonPrefixLen(r.Self, id) == r.Index
}

// RandomID returns a random id inside the range.
func (r BucketRange) RandomID() []byte {
	id := make([]byte, len(r.Self))
	_, _ = rand.Read(id)

	full := r.Index / 8
	copy(id[:full], r.Self[:full])
	if full < len(id) {
		bit := uint(r.Index % 8)
		keep := byte(0xff) << (8 - bit)
		flip := byte(0x80) >> bit
		id[full] = (r.Self[full] & keep) | (^r.Self[full] & flip) | (id[full] & ^(keep | flip))
	}
	return id
}

// lonelyBuckets returns the buckets idle for longer than the staleness
// window. Buckets deeper than one past the deepest occupied bucket can only
// be reached through our own lookups and are skipped.
func (ht *HashTable) lonelyBuckets() []BucketRange {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	deepest := -1
	for i, b := range ht.routeTable {
		if len(b.nodes) > 0 {
			deepest = i
		}
	}
	limit := deepest + 1
	if limit >= B {
		limit = B - 1
	}

	now := ht.clock.Now()
	var out []BucketRange
	for i := 0; i <= limit; i++ {
		if now.Sub(ht.routeTable[i].lastActive) > ht.staleness {
			out = append(out, BucketRange{Index: i, Self: ht.self.ID})
		}
	}
	return out
}

// nodes returns copies of every contact.
func (ht *HashTable) nodes() []*Node {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	var out []*Node
	for _, b := range ht.routeTable {
		for _, n := range b.nodes {
			out = append(out, n.Clone())
		}
	}
	return out
}

// totalCount returns the number of contacts.
func (ht *HashTable) totalCount() int {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	n := 0
	for _, b := range ht.routeTable {
		n += len(b.nodes)
	}
	return n
}

// bucketSizes maps non-empty bucket indexes to their size.
func (ht *HashTable) bucketSizes() map[int]int {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	out := make(map[int]int)
	for i, b := range ht.routeTable {
		if len(b.nodes) > 0 {
			out[i] = len(b.nodes)
		}
	}
	return out
}

package kademlia

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHashTable(t *testing.T, k int, clk clock.Clock) *HashTable {
	t.Helper()
	self := NewNode(randomID(t), "127.0.0.1", 4445)
	ht, err := NewHashTable(self, k, time.Hour, clk)
	require.NoError(t, err)
	return ht
}

// nodeInBucket returns a node whose id shares exactly idx leading bits with self.
func nodeInBucket(ht *HashTable, idx int, port uint16) *Node {
	id := BucketRange{Index: idx, Self: ht.self.ID}.RandomID()
	return NewNode(id, "127.0.0.1", port)
}

func TestNewHashTableRejectsBadSelf(t *testing.T) {
	_, err := NewHashTable(&Node{ID: []byte{1}}, K, 0, nil)
	assert.Error(t, err)
}

func TestAddContactResults(t *testing.T) {
	ht := newTestHashTable(t, 2, clock.NewMock())

	res, _ := ht.addContact(ht.self)
	assert.Equal(t, contactRejected, res)

	a := nodeInBucket(ht, 3, 1)
	b := nodeInBucket(ht, 3, 2)
	c := nodeInBucket(ht, 3, 3)

	res, _ = ht.addContact(a)
	assert.Equal(t, contactInserted, res)
	res, _ = ht.addContact(b)
	assert.Equal(t, contactInserted, res)

	res, lru := ht.addContact(c)
	assert.Equal(t, contactBucketFull, res)
	require.NotNil(t, lru)
	assert.Equal(t, a.ID, lru.ID, "the least recently seen contact is probed")

	// a is seen again and becomes the most recent; b is now the LRU
	res, _ = ht.addContact(a)
	assert.Equal(t, contactRefreshed, res)
	_, lru = ht.addContact(c)
	assert.Equal(t, b.ID, lru.ID)

	assert.True(t, ht.replaceContact(lru, c))
	assert.Nil(t, ht.contact(b.ID))
	assert.NotNil(t, ht.contact(c.ID))
	assert.Equal(t, 2, ht.totalCount())
}

func TestAddContactUpdatesAddress(t *testing.T) {
	ht := newTestHashTable(t, K, nil)
	n := nodeInBucket(ht, 0, 1)
	ht.addContact(n)

	moved := n.Clone()
	moved.IP, moved.Port = "10.1.1.1", 9000
	res, _ := ht.addContact(moved)
	assert.Equal(t, contactRefreshed, res)

	got := ht.contact(n.ID)
	require.NotNil(t, got)
	assert.Equal(t, "10.1.1.1:9000", got.Address())
}

func TestBucketInvariants(t *testing.T) {
	const k = 4
	ht := newTestHashTable(t, k, nil)

	var port uint16
	for idx := 0; idx < 8; idx++ {
		for i := 0; i < k+3; i++ {
			port++
			ht.addContact(nodeInBucket(ht, idx, port))
		}
	}
	// duplicates never create a second membership
	for _, n := range ht.nodes() {
		ht.addContact(n)
	}

	seen := map[string]int{}
	for idx, size := range ht.bucketSizes() {
		assert.LessOrEqual(t, size, k, "bucket %d", idx)
	}
	for _, n := range ht.nodes() {
		seen[string(n.ID)]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "contact %x appears more than once", id)
	}
	assert.Equal(t, 8*k, ht.totalCount())
}

func TestRemoveAndRefreshContact(t *testing.T) {
	ht := newTestHashTable(t, K, nil)
	n := nodeInBucket(ht, 5, 1)

	assert.True(t, ht.isNewNode(n))
	res, _ := ht.addContact(n)
	assert.Equal(t, contactInserted, res)
	assert.False(t, ht.isNewNode(n))
	res, _ = ht.addContact(n)
	assert.Equal(t, contactRefreshed, res)

	assert.True(t, ht.removeContact(n))
	assert.False(t, ht.removeContact(n))
	assert.True(t, ht.isNewNode(n))
}

func TestFindNeighborsSortedAndBounded(t *testing.T) {
	ht := newTestHashTable(t, K, nil)
	var port uint16
	for idx := 0; idx < 20; idx++ {
		for i := 0; i < 3; i++ {
			port++
			ht.addContact(nodeInBucket(ht, idx, port))
		}
	}

	target := randomID(t)
	nl := ht.findNeighbors(target, 10)
	require.Equal(t, 10, nl.Len())
	for i := 1; i < nl.Len(); i++ {
		assert.Equal(t, -1, CompareDistance(target, nl.Nodes[i-1].ID, nl.Nodes[i].ID))
	}

	// the result is the true top 10 of every contact
	all := &NodeList{Comparator: target, Nodes: ht.nodes()}
	all.Sort()
	all.TopN(10)
	for i := range all.Nodes {
		assert.Equal(t, all.Nodes[i].ID, nl.Nodes[i].ID)
	}

	ignored := nl.Nodes[0]
	again := ht.findNeighbors(target, 10, ignored)
	assert.False(t, again.Exists(ignored))
}

func TestFindNeighborsReturnsCopies(t *testing.T) {
	ht := newTestHashTable(t, K, nil)
	n := nodeInBucket(ht, 1, 1)
	ht.addContact(n)

	nl := ht.findNeighbors(n.ID, 1)
	require.Equal(t, 1, nl.Len())
	nl.Nodes[0].Port = 9

	assert.Equal(t, uint16(1), ht.contact(n.ID).Port)
}

func TestScanOrderVisitsEveryBucketOnce(t *testing.T) {
	for _, start := range []int{0, 7, B - 1, B} {
		order := scanOrder(start)
		seen := map[int]bool{}
		for _, idx := range order {
			assert.False(t, seen[idx])
			seen[idx] = true
		}
		assert.Len(t, seen, B, "start %d", start)
	}
}

func TestBucketRangeRandomID(t *testing.T) {
	self := randomID(t)
	for _, idx := range []int{0, 1, 7, 8, 9, 63, B - 1} {
		r := BucketRange{Index: idx, Self: self}
		for i := 0; i < 16; i++ {
			id := r.RandomID()
			assert.True(t, r.Contains(id), "index %d", idx)
			assert.Equal(t, idx, commonPrefixLen(self, id))
		}
	}
}

func TestLonelyBuckets(t *testing.T) {
	mock := clock.NewMock()
	ht := newTestHashTable(t, K, mock)

	ht.addContact(nodeInBucket(ht, 0, 1))
	ht.addContact(nodeInBucket(ht, 2, 2))
	assert.Empty(t, ht.lonelyBuckets())

	mock.Add(2 * time.Hour)
	lonely := ht.lonelyBuckets()
	// buckets 0..3: one past the deepest occupied bucket
	require.Len(t, lonely, 4)
	for i, r := range lonely {
		assert.Equal(t, i, r.Index)
	}

	ht.resetRefreshTime(1)
	ht.addContact(ht.findNeighbors(ht.self.ID, K).Nodes[0])
	for _, r := range ht.lonelyBuckets() {
		assert.NotEqual(t, 1, r.Index)
	}
}

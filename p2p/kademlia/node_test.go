package kademlia

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

func randomID(t *testing.T) []byte {
	t.Helper()
	id := make([]byte, utils.DigestSize)
	_, err := rand.Read(id)
	require.NoError(t, err)
	return id
}

func TestDistanceProperties(t *testing.T) {
	a, b := randomID(t), randomID(t)

	assert.Equal(t, make([]byte, utils.DigestSize), Distance(a, a))
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Len(t, Distance(a, b), utils.DigestSize)
}

func TestDistancePadsShortInputs(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0xff}, Distance([]byte{0x01, 0x0f}, []byte{0xf0}))
}

func TestCompareDistanceBreaksTiesByID(t *testing.T) {
	target := make([]byte, utils.DigestSize)
	near := make([]byte, utils.DigestSize)
	near[utils.DigestSize-1] = 1
	far := make([]byte, utils.DigestSize)
	far[0] = 0x80

	assert.Equal(t, -1, CompareDistance(target, near, far))
	assert.Equal(t, 1, CompareDistance(target, far, near))
	assert.Equal(t, 0, CompareDistance(target, near, near))
}

func TestCommonPrefixLen(t *testing.T) {
	a := make([]byte, utils.DigestSize)
	b := make([]byte, utils.DigestSize)
	assert.Equal(t, B, commonPrefixLen(a, b))

	b[0] = 0x80
	assert.Equal(t, 0, commonPrefixLen(a, b))

	b[0] = 0
	b[2] = 0x10
	assert.Equal(t, 19, commonPrefixLen(a, b))
}

func TestNodeIdentityConsistent(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	n := NewNodeFromVK(kp.VerifyingKey(), "127.0.0.1", 4445)
	assert.True(t, n.IdentityConsistent())
	assert.Equal(t, kp.ID(), n.ID)

	n.ID = randomID(t)
	assert.False(t, n.IdentityConsistent())

	partial := NewNode(randomID(t), "127.0.0.1", 4445)
	assert.True(t, partial.IdentityConsistent())

	short := NewNode([]byte{1, 2, 3}, "127.0.0.1", 4445)
	assert.False(t, short.IdentityConsistent())
}

func TestNodeCloneIsDeep(t *testing.T) {
	n := &Node{ID: randomID(t), IP: "10.0.0.1", Port: 1, VK: []byte{1, 2}}
	c := n.Clone()
	c.ID[0] ^= 0xff
	c.VK[0] = 9

	assert.NotEqual(t, n.ID, c.ID)
	assert.Equal(t, byte(1), n.VK[0])
	assert.Equal(t, "10.0.0.1:1", n.Address())
}

func TestNodeListAddSortTop(t *testing.T) {
	target := make([]byte, utils.DigestSize)
	nl := &NodeList{Comparator: target}

	var nodes []*Node
	for i := 0; i < 5; i++ {
		id := make([]byte, utils.DigestSize)
		id[0] = byte(0x10 * (5 - i))
		nodes = append(nodes, NewNode(id, "127.0.0.1", uint16(1000+i)))
	}

	assert.Equal(t, 5, nl.AddNodes(nodes))
	assert.Equal(t, 0, nl.AddNodes(nodes[:2]), "duplicates are ignored")
	assert.Equal(t, 0, nl.AddNodes([]*Node{nil, {ID: []byte{1}}}), "malformed entries are ignored")

	nl.Sort()
	for i := 1; i < nl.Len(); i++ {
		assert.Equal(t, -1, CompareDistance(target, nl.Nodes[i-1].ID, nl.Nodes[i].ID))
	}
	assert.Equal(t, nodes[4].ID, nl.Closest().ID)
	assert.Equal(t, nodes[0].ID, nl.Furthest().ID)

	nl.TopN(3)
	assert.Equal(t, 3, nl.Len())
	assert.False(t, nl.Exists(nodes[0]))

	nl.DelNode(nodes[4])
	assert.Nil(t, nl.Get(nodes[4].ID))
	assert.Equal(t, 2, nl.Len())
}

func TestNodeListBackfillsVerifyingKey(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	nl := &NodeList{}
	nl.AddNodes([]*Node{NewNode(kp.ID(), "127.0.0.1", 1)})
	nl.AddNodes([]*Node{NewNodeFromVK(kp.VerifyingKey(), "127.0.0.1", 1)})

	require.Equal(t, 1, nl.Len())
	assert.Equal(t, kp.VerifyingKey(), nl.Nodes[0].VK)
}

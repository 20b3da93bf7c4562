package kademlia

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlSkipsFailedNodes(t *testing.T) {
	d, _ := newIdleDHT(t, clock.NewMock())
	target := randomID(t)
	_, dead := newSignedSender(t)
	_, live := newSignedSender(t)
	_, from := newSignedSender(t)

	c := d.newCrawl(IterateFindNode, target, &NodeList{Nodes: []*Node{dead}})
	c.drop(dead)
	require.False(t, c.shortlist.Exists(dead))

	// a later response naming the dead node does not bring it back
	c.merge(context.Background(), from, []*Node{dead.Clone(), live.Clone()})
	nl := c.result()
	assert.False(t, nl.Exists(dead))
	assert.True(t, nl.Exists(live))
}

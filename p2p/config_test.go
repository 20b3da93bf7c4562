package p2p

import (
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
)

func TestParseBootstrapNodes(t *testing.T) {
	kp, err := kademlia.GenerateKeypair()
	require.NoError(t, err)
	vk := base58.Encode(kp.VerifyingKey())

	nodes, err := ParseBootstrapNodes(" 10.0.0.1:4445, " + vk + "@[::1]:5000,,")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "10.0.0.1", nodes[0].IP)
	assert.Equal(t, uint16(4445), nodes[0].Port)
	assert.Empty(t, nodes[0].ID)

	assert.Equal(t, "::1", nodes[1].IP)
	assert.Equal(t, uint16(5000), nodes[1].Port)
	assert.Equal(t, kp.ID(), nodes[1].ID)
}

func TestParseBootstrapNodesErrors(t *testing.T) {
	for _, in := range []string{"10.0.0.1", "10.0.0.1:0", "10.0.0.1:70000", "0OIl@10.0.0.1:1"} {
		_, err := ParseBootstrapNodes(in)
		assert.Error(t, err, in)
	}

	nodes, err := ParseBootstrapNodes("")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestConfigValidate(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, "0.0.0.0", c.AdvertisedIP())

	c.ExternalIP = "203.0.113.7"
	require.NoError(t, c.Validate())
	assert.Equal(t, "203.0.113.7", c.AdvertisedIP())

	c.ListenAddress = "not-an-ip"
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.IdentityBook = []string{"0OIl"}
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.K = -1
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.MaxBootstrapAttempts = -1
	assert.Error(t, c.Validate())
}

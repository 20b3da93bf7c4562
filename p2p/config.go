package p2p

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultPort          = 4445
)

// Config is the configuration of the overlay service
type Config struct {
	// the local IPv4 or IPv6 address to listen on
	ListenAddress string `json:"listen_address,omitempty"`

	// the local port to listen for connections on
	Port uint16 `json:"port,omitempty"`

	// ExternalIP is advertised to peers instead of ListenAddress when set
	ExternalIP string `json:"external_ip,omitempty"`

	// BootstrapNodes is a comma separated list of seeds, each "host:port"
	// or "<base58 verifying key>@host:port"
	BootstrapNodes string `json:"bootstrap_nodes,omitempty"`

	// Seed marks a designated seed, which becomes ready without live seeds
	Seed bool `json:"seed,omitempty"`

	K     int `json:"k,omitempty"`
	Alpha int `json:"alpha,omitempty"`

	RPCTimeout      time.Duration `json:"rpc_timeout,omitempty"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`

	// MaxBootstrapAttempts bounds the bootstrap retries before Run fails
	MaxBootstrapAttempts int           `json:"max_bootstrap_attempts,omitempty"`
	BootstrapBackoff     time.Duration `json:"bootstrap_backoff,omitempty"`

	// SnapshotFile enables the neighbor snapshot used on the next start
	SnapshotFile     string        `json:"snapshot_file,omitempty"`
	SnapshotInterval time.Duration `json:"snapshot_interval,omitempty"`

	// IdentityBook holds the base58 verifying keys of known peers
	IdentityBook []string `json:"identity_book,omitempty"`
}

// NewConfig returns a new Config.
func NewConfig() *Config {
	return &Config{
		ListenAddress: defaultListenAddress,
		Port:          defaultPort,
	}
}

// Validate checks the addresses, the seed list and the identity book.
func (c *Config) Validate() error {
	if ip := net.ParseIP(c.ListenAddress); c.ListenAddress != "" && ip == nil {
		return errors.Errorf("invalid listen address %q", c.ListenAddress)
	}
	if ip := net.ParseIP(c.ExternalIP); c.ExternalIP != "" && ip == nil {
		return errors.Errorf("invalid external ip %q", c.ExternalIP)
	}
	if c.K < 0 || c.Alpha < 0 {
		return errors.New("k and alpha must not be negative")
	}
	if c.MaxBootstrapAttempts < 0 {
		return errors.New("max bootstrap attempts must not be negative")
	}
	if _, err := ParseBootstrapNodes(c.BootstrapNodes); err != nil {
		return err
	}
	if _, err := c.identityKeys(); err != nil {
		return err
	}
	return nil
}

// AdvertisedIP is the address peers should use to reach this node.
func (c *Config) AdvertisedIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	return c.ListenAddress
}

func (c *Config) identityKeys() ([][]byte, error) {
	keys := make([][]byte, 0, len(c.IdentityBook))
	for _, s := range c.IdentityBook {
		vk := utils.DecodeKey(strings.TrimSpace(s))
		if len(vk) == 0 {
			return nil, errors.Errorf("invalid identity book entry %q", s)
		}
		keys = append(keys, vk)
	}
	return keys, nil
}

// ParseBootstrapNodes parses a comma separated seed list. Entries without a
// verifying key are address-only seeds; their id is learnt from the first
// response.
func ParseBootstrapNodes(s string) ([]*kademlia.Node, error) {
	var nodes []*kademlia.Node
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var vk []byte
		if keyPart, addr, ok := strings.Cut(entry, "@"); ok {
			vk = utils.DecodeKey(keyPart)
			if len(vk) == 0 {
				return nil, errors.Errorf("bootstrap node %q: invalid verifying key", entry)
			}
			entry = addr
		}

		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, errors.Errorf("bootstrap node %q: %w", entry, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return nil, errors.Errorf("bootstrap node %q: invalid port", entry)
		}

		if vk != nil {
			nodes = append(nodes, kademlia.NewNodeFromVK(vk, host, uint16(port)))
		} else {
			nodes = append(nodes, &kademlia.Node{IP: host, Port: uint16(port)})
		}
	}
	return nodes, nil
}

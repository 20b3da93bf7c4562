package p2p

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/store/memory"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

const logPrefix = "p2p"

// Client exposes the overlay to the rest of the node
type Client interface {
	// Resolve returns the address of the node owning the verifying key vk
	Resolve(ctx context.Context, vk []byte) (*kademlia.Node, bool)

	// Retrieve returns the value stored under key
	Retrieve(ctx context.Context, key []byte) (domain.Value, bool)

	// Store publishes a value under key and reports whether a peer acknowledged it
	Store(ctx context.Context, key []byte, value any) (bool, error)

	// Stats returns the cached status map
	Stats(ctx context.Context) (map[string]interface{}, error)

	// Events returns the overlay notification stream
	Events() <-chan kademlia.Event
}

// P2P represents the p2p service.
type P2P interface {
	Client

	// Run starts the overlay and blocks until ctx is done or bootstrap fails
	Run(ctx context.Context) error

	// Registry returns the prometheus registry of the overlay
	Registry() *prometheus.Registry

	// StatsSnapshot returns the typed overlay state
	StatsSnapshot(ctx context.Context) (*StatsSnapshot, error)
}

// p2p structure to implements interface
type p2p struct {
	store   *memory.Store // the store for kademlia network
	dht     *kademlia.DHT // the kademlia network
	config  *Config       // the service configuration
	running atomic.Bool   // if the kademlia network is ready
	stats   *p2pStatsManager
}

// New returns a new p2p service signing its traffic with signer.
func New(ctx context.Context, config *Config, signer kademlia.Signer) (P2P, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Errorf("validate config: %w", err)
	}

	seeds, _ := ParseBootstrapNodes(config.BootstrapNodes)
	keys, _ := config.identityKeys()

	store := memory.NewStore(nil)
	dht, err := kademlia.NewDHT(ctx, store, &kademlia.Options{
		Signer:           signer,
		IP:               config.AdvertisedIP(),
		Port:             config.Port,
		BootstrapNodes:   seeds,
		IsSeed:           config.Seed,
		Identities:       kademlia.NewIdentityBook(keys...),
		K:                config.K,
		Alpha:            config.Alpha,
		RPCTimeout:       config.RPCTimeout,
		RefreshInterval:  config.RefreshInterval,
		SnapshotPath:     config.SnapshotFile,
		SnapshotInterval: config.SnapshotInterval,

		MaxBootstrapAttempts: config.MaxBootstrapAttempts,
		BootstrapBackoff:     config.BootstrapBackoff,
	})
	if err != nil {
		return nil, errors.Errorf("new dht: %w", err)
	}

	return &p2p{
		store:  store,
		dht:    dht,
		config: config,
		stats:  newP2PStatsManager(),
	}, nil
}

// Run the kademlia network. Bootstrap failure after the configured number
// of attempts is fatal and returned; otherwise Run blocks until ctx is done.
func (s *p2p) Run(ctx context.Context) error {
	if err := s.dht.Start(ctx); err != nil {
		return errors.Errorf("start dht: %w", err)
	}
	logtrace.Info(ctx, "p2p service is started", logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldNode:   s.dht.Self().String(),
	})

	if err := s.dht.Bootstrap(ctx, nil); err != nil && ctx.Err() == nil {
		logtrace.Error(ctx, "failed to bootstrap the dht", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  err.Error(),
		})
		s.stop(ctx)
		return errors.Errorf("bootstrap dht: %w", err)
	}
	s.running.Store(s.dht.State() == kademlia.StateReady)

	<-ctx.Done()
	s.running.Store(false)
	s.stop(ctx)
	return nil
}

func (s *p2p) stop(ctx context.Context) {
	if err := s.dht.Stop(context.WithoutCancel(ctx)); err != nil {
		logtrace.Warn(ctx, "dht stopped with errors", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  err.Error(),
		})
	}
	logtrace.Info(ctx, "p2p service is stopped", logtrace.Fields{logtrace.FieldModule: logPrefix})
}

// Resolve an identity to a node address
func (s *p2p) Resolve(ctx context.Context, vk []byte) (*kademlia.Node, bool) {
	return s.dht.Resolve(ctx, vk)
}

// Retrieve the value of a key
func (s *p2p) Retrieve(ctx context.Context, key []byte) (domain.Value, bool) {
	return s.dht.Retrieve(ctx, key)
}

// Store a value under key in the network
func (s *p2p) Store(ctx context.Context, key []byte, value any) (bool, error) {
	return s.dht.Store(ctx, key, value)
}

// Stats return status of p2p
func (s *p2p) Stats(ctx context.Context) (map[string]interface{}, error) {
	return s.stats.Stats(ctx, s)
}

func (s *p2p) Events() <-chan kademlia.Event {
	return s.dht.Events()
}

func (s *p2p) Registry() *prometheus.Registry {
	return s.dht.Registry()
}

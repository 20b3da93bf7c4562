package kademlia

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/ratelimit"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
	"github.com/LumeraProtocol/ledgernode/pkg/task"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

const (
	defaultNetworkPort       uint16 = 4445
	defaultNetworkAddr              = "0.0.0.0"
	defaultRefreshInterval          = time.Hour
	defaultRepublishAge             = time.Hour
	defaultCullHorizon              = 24 * time.Hour
	defaultMaxBootstrapTries        = 5
	defaultBootstrapBackoff         = time.Second
	defaultRepublishRate            = 50 // values per second
	defaultResolveCacheTTL          = time.Hour
	defaultSnapshotInterval         = 10 * time.Minute

	taskService = "dht"
)

// State is the lifecycle state of a DHT
type State int32

const (
	StateCreated State = iota
	StateListening
	StateBootstrapping
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options contains configuration options for the local node
type Options struct {
	// Signer authenticates outbound messages; its verifying key names the node
	Signer Signer

	// Verify checks inbound signatures, VerifyEd25519 by default
	Verify VerifyFunc

	// The local IPv4 or IPv6 address
	IP string

	// The local port to listen on, 0 picks a free port
	Port uint16

	// Conn replaces the UDP socket opened by Start
	Conn net.PacketConn

	// The nodes being used to bootstrap the network. Without a bootstrap
	// node there is no way to connect to the network
	BootstrapNodes []*Node

	// IsSeed marks a designated seed, which becomes ready without live seeds
	IsSeed bool

	// Identities is the directory of known peer verifying keys
	Identities *IdentityBook

	K     int
	Alpha int

	RPCTimeout           time.Duration
	RefreshInterval      time.Duration
	BucketStaleness      time.Duration
	RepublishAge         time.Duration
	CullHorizon          time.Duration
	MaxBootstrapAttempts int
	BootstrapBackoff     time.Duration
	RepublishRate        int
	ResolveCacheTTL      time.Duration

	// StoreUpdatesRouting lets store traffic insert peers into the routing table
	StoreUpdatesRouting bool

	// SnapshotPath enables the periodic neighbor snapshot
	SnapshotPath     string
	SnapshotInterval time.Duration

	EventBuffer int

	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.IP == "" {
		o.IP = defaultNetworkAddr
	}
	if o.Verify == nil {
		o.Verify = VerifyEd25519
	}
	if o.Identities == nil {
		o.Identities = NewIdentityBook()
	}
	if o.K <= 0 {
		o.K = K
	}
	if o.Alpha <= 0 {
		o.Alpha = Alpha
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = defaultRPCTimeout
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.BucketStaleness <= 0 {
		o.BucketStaleness = defaultStaleness
	}
	if o.RepublishAge <= 0 {
		o.RepublishAge = defaultRepublishAge
	}
	if o.CullHorizon <= 0 {
		o.CullHorizon = defaultCullHorizon
	}
	if o.MaxBootstrapAttempts <= 0 {
		o.MaxBootstrapAttempts = defaultMaxBootstrapTries
	}
	if o.BootstrapBackoff <= 0 {
		o.BootstrapBackoff = defaultBootstrapBackoff
	}
	if o.RepublishRate <= 0 {
		o.RepublishRate = defaultRepublishRate
	}
	if o.ResolveCacheTTL <= 0 {
		o.ResolveCacheTTL = defaultResolveCacheTTL
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// DHT represents the state of the local node in the distributed hash table
type DHT struct {
	ht         *HashTable    // the hashtable for routing
	options    *Options      // the options of DHT
	network    *Network      // the network of DHT
	store      Store         // the storage of DHT
	identities *IdentityBook // known verifying keys
	clock      clock.Clock
	resolved   *cache.Cache // vk -> *Node
	events     *eventBus
	tasks      *task.InMemoryTracker
	limiter    ratelimit.Limiter
	metrics    *DHTMetrics
	state      atomic.Int32

	mtx       sync.Mutex
	workerCtx context.Context    // parent of background work, nil until Start
	cancel    context.CancelFunc // stops background workers
	wg        sync.WaitGroup

	// full buckets whose LRU contact is being probed, by bucket index
	probeMtx sync.Mutex
	probes   map[int]*bucketProbe
}

// bucketProbe holds the newcomer waiting on the liveness probe of the LRU
// contact of a full bucket
type bucketProbe struct {
	lru      *Node
	newcomer *Node
	announce bool
}

// NewDHT returns a new DHT node
func NewDHT(ctx context.Context, store Store, options *Options) (*DHT, error) {
	if options == nil || options.Signer == nil {
		return nil, errors.New("options with a signer are required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	options.setDefaults()

	self := NewNodeFromVK(options.Signer.VerifyingKey(), options.IP, options.Port)

	s := &DHT{
		options:    options,
		store:      store,
		identities: options.Identities,
		clock:      options.Clock,
		resolved:   cache.New(options.ResolveCacheTTL, 2*options.ResolveCacheTTL),
		events:     newEventBus(options.EventBuffer),
		tasks:      task.New(),
		limiter:    ratelimit.New(options.RepublishRate),
		probes:     make(map[int]*bucketProbe),
	}
	s.identities.Add(self.VK)

	// new a hashtable with options
	ht, err := NewHashTable(self, options.K, options.BucketStaleness, options.Clock)
	if err != nil {
		return nil, errors.Errorf("new hashtable: %w", err)
	}
	s.ht = ht
	s.metrics = newDHTMetrics(ht.totalCount, store.Count)

	// new network service for dht
	network, err := NewNetwork(s, self, options.Signer, options.Verify, options.Conn, options.RPCTimeout, options.Clock)
	if err != nil {
		return nil, errors.Errorf("new network: %w", err)
	}
	s.network = network

	logtrace.Debug(ctx, "dht created", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldNode:   self.String(),
		"k":                  options.K,
		"alpha":              options.Alpha,
	})
	return s, nil
}

func (s *DHT) k() int     { return s.options.K }
func (s *DHT) alpha() int { return s.options.Alpha }

// Self returns a copy of the local node.
func (s *DHT) Self() *Node {
	return s.ht.self.Clone()
}

// State returns the lifecycle state.
func (s *DHT) State() State {
	return State(s.state.Load())
}

func (s *DHT) setState(ctx context.Context, st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		logtrace.Debug(ctx, "dht state changed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldState:  st.String(),
			"previous":           prev.String(),
		})
	}
}

// Events returns the notification stream. It is closed by Stop.
func (s *DHT) Events() <-chan Event {
	return s.events.ch
}

// NodesLen returns the number of contacts in the routing table.
func (s *DHT) NodesLen() int {
	return s.ht.totalCount()
}

// MetricsSnapshot returns the in-process metrics.
func (s *DHT) MetricsSnapshot() DHTMetricsSnapshot {
	return s.metrics.Snapshot()
}

// Registry returns the prometheus registry of this DHT.
func (s *DHT) Registry() *prometheus.Registry {
	return s.metrics.Registry()
}

// LocalAddr returns the transport address once started.
func (s *DHT) LocalAddr() net.Addr {
	return s.network.LocalAddr()
}

// Start the transport and the background workers. Created -> Listening.
func (s *DHT) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateListening)) {
		return errors.Errorf("start dht in state %s", s.State())
	}
	// start the network
	if err := s.network.Start(ctx); err != nil {
		s.state.Store(int32(StateCreated))
		return errors.Errorf("start network: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mtx.Lock()
	s.workerCtx = workerCtx
	s.cancel = cancel
	s.mtx.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.StartRefreshWorker(workerCtx)
	}()
	if s.options.SnapshotPath != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.StartSnapshotWorker(workerCtx)
		}()
	}

	logtrace.Info(ctx, "dht started", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldNode:   s.ht.self.String(),
	})
	return nil
}

// Stop cancels the background workers and every in-flight operation, then
// closes the transport.
func (s *DHT) Stop(ctx context.Context) error {
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return nil
	}

	s.mtx.Lock()
	cancel := s.cancel
	s.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
	cancelled := s.tasks.CancelAll()

	err := s.network.Stop(ctx)
	s.wg.Wait()

	if prev >= StateReady && s.options.SnapshotPath != "" {
		if serr := s.SaveSnapshot(ctx, s.options.SnapshotPath); serr != nil && !errors.Is(serr, ErrNoNeighbors) {
			err = multierr.Append(err, serr)
		}
	}
	s.events.close()

	logtrace.Info(ctx, "dht stopped", logtrace.Fields{
		logtrace.FieldModule: "dht",
		"cancelled_ops":      cancelled,
	})
	return err
}

// startOp tracks a public operation so Stop can cancel it.
func (s *DHT) startOp(ctx context.Context, name string) (context.Context, *task.Handle) {
	id := name + "-" + uuid.NewString()
	ctx = logtrace.CtxWithCorrelationID(ctx, id)
	return task.StartCancelable(s.tasks, ctx, taskService, id, 0)
}

// Resolve returns the address of the node whose verifying key is vk. Self,
// then the resolution cache, then an identity crawl are consulted.
func (s *DHT) Resolve(ctx context.Context, vk []byte) (*Node, bool) {
	if len(vk) == 0 {
		return nil, false
	}
	if bytes.Equal(vk, s.ht.self.VK) {
		return s.Self(), true
	}
	if v, ok := s.resolved.Get(string(vk)); ok {
		return v.(*Node).Clone(), true
	}

	ctx, h := s.startOp(ctx, "resolve")
	defer h.End(ctx)

	node, ok, err := s.iterateIdentity(ctx, vk)
	if err != nil {
		logtrace.Debug(ctx, "resolve abandoned", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return nil, false
	}
	if !ok {
		logtrace.Debug(ctx, "resolve found no match", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    utils.EncodeKey(vk),
		})
		return nil, false
	}

	s.resolved.SetDefault(string(vk), node.Clone())
	logtrace.Debug(ctx, "resolved identity", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldNode:   node.String(),
	})
	return node, true
}

// Retrieve returns the value stored under key, from the local store or the
// network.
func (s *DHT) Retrieve(ctx context.Context, key []byte) (domain.Value, bool) {
	dkey := utils.Digest(key)
	if v, ok := s.store.Retrieve(ctx, dkey); ok {
		return v, true
	}

	ctx, h := s.startOp(ctx, "retrieve")
	defer h.End(ctx)

	v, ok, err := s.iterateFindValue(ctx, dkey)
	if err != nil {
		logtrace.Debug(ctx, "retrieve abandoned", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    hex.EncodeToString(dkey),
			logtrace.FieldError:  err.Error(),
		})
		return domain.Value{}, false
	}
	return v, ok
}

// Store publishes value under key. Values that are not int, float, bool,
// string or bytes, or that exceed domain.MaxValueSize, are rejected with
// ErrInvalidValue before any network activity. It reports whether at least
// one remote node acknowledged the store.
func (s *DHT) Store(ctx context.Context, key []byte, value any) (bool, error) {
	v, err := domain.NewValue(value)
	if err != nil {
		return false, err
	}

	ctx, h := s.startOp(ctx, "store")
	defer h.End(ctx)

	return s.storeDigest(ctx, utils.Digest(key), v), nil
}

// storeDigest stores a value on the k nodes nearest to the key digest, and
// locally when this node is nearer than the furthest of them.
func (s *DHT) storeDigest(ctx context.Context, dkey []byte, v domain.Value) bool {
	nl, err := s.iterate(ctx, dkey)
	if err != nil {
		return false
	}
	if nl.Len() == 0 {
		logtrace.Warn(ctx, "no known neighbors, value kept locally", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    hex.EncodeToString(dkey),
		})
		if err := s.store.Store(ctx, dkey, v); err != nil {
			logtrace.Error(ctx, "local store failed", logtrace.Fields{logtrace.FieldModule: "dht", logtrace.FieldError: err.Error()})
		}
		return false
	}

	furthest := nl.Furthest()
	if bytes.Compare(Distance(s.ht.self.ID, dkey), Distance(furthest.ID, dkey)) < 0 {
		if err := s.store.Store(ctx, dkey, v); err != nil {
			logtrace.Error(ctx, "local store failed", logtrace.Fields{logtrace.FieldModule: "dht", logtrace.FieldError: err.Error()})
		}
	}

	var acks atomic.Int32
	var wg sync.WaitGroup
	for _, n := range nl.Nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			rsp, err := s.sendStoreData(ctx, n, dkey, v)
			if err != nil {
				logtrace.Debug(ctx, "send store data failed", logtrace.Fields{
					logtrace.FieldModule: "dht",
					logtrace.FieldNode:   n.String(),
					logtrace.FieldError:  err.Error(),
				})
				return
			}
			if rsp.Status.Result != ResultOk {
				logtrace.Debug(ctx, "reply store data failed", logtrace.Fields{
					logtrace.FieldModule: "dht",
					logtrace.FieldNode:   n.String(),
					logtrace.FieldError:  rsp.Status.ErrMsg,
				})
				return
			}
			acks.Add(1)
		}(n)
	}
	wg.Wait()

	s.metrics.RecordStoreSuccess(nl.Len(), int(acks.Load()))
	logtrace.Debug(ctx, "store finished", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldKey:    hex.EncodeToString(dkey),
		"nodes":              nl.Len(),
		"acks":               acks.Load(),
	})
	return acks.Load() > 0
}

// BootstrappableNeighbors returns the contacts nearest to the local node,
// suitable as seeds for a later bootstrap.
func (s *DHT) BootstrappableNeighbors() []*Node {
	return s.ht.findNeighbors(s.ht.self.ID, s.k()).Nodes
}

// ClosestContacts returns up to count known contacts nearest to target.
func (s *DHT) ClosestContacts(target []byte, count int) []*Node {
	return s.ht.findNeighbors(target, count).Nodes
}

// Peers returns copies of every routing table contact.
func (s *DHT) Peers() []*Node {
	return s.ht.nodes()
}

// RecentRequests returns the last inbound requests, overall and per sender ip.
func (s *DHT) RecentRequests() ([]RecentRPCEntry, map[string][]RecentRPCEntry) {
	return s.network.RecentRPCSnapshot()
}

// Stats returns stats of DHT
func (s *DHT) Stats(ctx context.Context) (map[string]interface{}, error) {
	dbStats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	recent, _ := s.network.RecentRPCSnapshot()
	dhtStats := map[string]any{}
	dhtStats["self"] = s.Self()
	dhtStats["state"] = s.State().String()
	dhtStats["peers_count"] = s.ht.totalCount()
	dhtStats["peers"] = s.ht.nodes()
	dhtStats["buckets"] = s.ht.bucketSizes()
	dhtStats["pending_rpcs"] = s.network.PendingCount()
	dhtStats["running_ops"] = s.tasks.Count()
	dhtStats["running_op_ids"] = s.tasks.Snapshot()[taskService]
	dhtStats["recent_requests"] = recent
	dhtStats["events_dropped"] = s.events.dropped.Load()
	dhtStats["metrics"] = s.metrics.Snapshot()
	dhtStats["database"] = dbStats
	return dhtStats, nil
}

// newMessage creates a new message
func (s *DHT) newMessage(messageType MessageType, receiver *Node, data interface{}) *Message {
	return &Message{
		Sender:      s.ht.self,
		Receiver:    receiver,
		MessageType: messageType,
		Data:        data,
	}
}

func isAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrClosed) || errors.Is(err, ErrNotStarted)
}

// call issues one RPC and applies the routing policy: an unresponsive or
// misbehaving receiver is evicted, a responder is learnt (except for store
// acks unless configured), and an abandoned call leaves the table alone.
func (s *DHT) call(ctx context.Context, receiver *Node, messageType MessageType, data interface{}) (*Message, error) {
	request := s.newMessage(messageType, receiver, data)
	response, err := s.network.Call(ctx, request)
	s.metrics.RecordCall(messageType, err)

	if err != nil {
		if !isAbandoned(err) {
			logtrace.Debug(ctx, "rpc failed, evicting peer", logtrace.Fields{
				logtrace.FieldModule:      "p2p",
				logtrace.FieldMessageType: messageType.String(),
				logtrace.FieldPeer:        receiver.String(),
				logtrace.FieldError:       err.Error(),
			})
			s.removeNode(ctx, receiver)
		}
		return nil, err
	}

	if messageType != StoreData || s.options.StoreUpdatesRouting {
		s.addNode(ctx, response.Sender, messageType == FindNode || messageType == FindValue)
	}
	return response, nil
}

func (s *DHT) sendPing(ctx context.Context, n *Node) (*Node, error) {
	rsp, err := s.call(ctx, n, Ping, &PingRequest{})
	if err != nil {
		return nil, err
	}
	return rsp.Sender, nil
}

func (s *DHT) sendFindNode(ctx context.Context, n *Node, target []byte) (*FindNodeResponse, error) {
	rsp, err := s.call(ctx, n, FindNode, &FindNodeRequest{Target: target})
	if err != nil {
		return nil, err
	}
	v, ok := rsp.Data.(*FindNodeResponse)
	if !ok {
		return nil, errors.Errorf("%w: invalid FindNodeResponse", ErrProtocolViolation)
	}
	return v, nil
}

func (s *DHT) sendFindValue(ctx context.Context, n *Node, key []byte) (*FindValueResponse, error) {
	rsp, err := s.call(ctx, n, FindValue, &FindValueRequest{Target: key})
	if err != nil {
		return nil, err
	}
	v, ok := rsp.Data.(*FindValueResponse)
	if !ok {
		return nil, errors.Errorf("%w: invalid FindValueResponse", ErrProtocolViolation)
	}
	return v, nil
}

func (s *DHT) sendStoreData(ctx context.Context, n *Node, key []byte, v domain.Value) (*StoreDataResponse, error) {
	rsp, err := s.call(ctx, n, StoreData, &StoreDataRequest{Key: key, Value: v})
	if err != nil {
		return nil, err
	}
	response, ok := rsp.Data.(*StoreDataResponse)
	if !ok {
		return nil, errors.Errorf("%w: invalid StoreDataResponse", ErrProtocolViolation)
	}
	return response, nil
}

// addNode inserts node into its k-bucket. When the bucket is full, the
// least recently seen contact is probed in the background and node waits
// for the outcome: it replaces a contact that failed to answer and is
// discarded otherwise. Announce emits EventPeerDiscovered on a fresh insert.
func (s *DHT) addNode(ctx context.Context, node *Node, announce bool) addResult {
	if node == nil || len(node.VK) == 0 || !node.IdentityConsistent() {
		return contactRejected
	}
	if bytes.Equal(node.ID, s.ht.self.ID) {
		return contactRejected
	}

	res, lru := s.ht.addContact(node)
	switch res {
	case contactInserted:
		if announce {
			s.events.emit(ctx, Event{Type: EventPeerDiscovered, Time: s.clock.Now(), Peer: node.Clone()})
		}
	case contactBucketFull:
		s.probeBucket(ctx, s.ht.bucketIndex(node.ID), lru, node, announce)
	}
	return res
}

// probeBucket starts the liveness probe of lru unless one is already running
// for the bucket, in which case node becomes the waiting newcomer.
func (s *DHT) probeBucket(ctx context.Context, idx int, lru, node *Node, announce bool) {
	s.probeMtx.Lock()
	if p, ok := s.probes[idx]; ok {
		if !bytes.Equal(p.lru.ID, node.ID) {
			p.newcomer, p.announce = node.Clone(), announce
		}
		s.probeMtx.Unlock()
		return
	}
	p := &bucketProbe{lru: lru, newcomer: node.Clone(), announce: announce}
	s.probes[idx] = p
	s.probeMtx.Unlock()

	s.mtx.Lock()
	workerCtx := s.workerCtx
	if workerCtx == nil || s.State() == StateStopped {
		s.mtx.Unlock()
		s.dropProbe(idx)
		return
	}
	s.wg.Add(1)
	s.mtx.Unlock()

	probeCtx := logtrace.CtxWithCorrelationID(workerCtx, logtrace.CorrelationID(ctx))
	go func() {
		defer s.wg.Done()
		s.settleProbe(probeCtx, idx, lru)
	}()
}

func (s *DHT) settleProbe(ctx context.Context, idx int, lru *Node) {
	_, err := s.sendPing(ctx, lru)
	p := s.dropProbe(idx)
	if err == nil || isAbandoned(err) || p == nil {
		return
	}

	// the failed ping already evicted lru
	if s.ht.replaceContact(lru, p.newcomer) {
		logtrace.Debug(ctx, "replaced unresponsive contact", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			"evicted":            lru.String(),
			logtrace.FieldNode:   p.newcomer.String(),
		})
		if p.announce {
			s.events.emit(ctx, Event{Type: EventPeerDiscovered, Time: s.clock.Now(), Peer: p.newcomer.Clone()})
		}
	}
}

func (s *DHT) dropProbe(idx int) *bucketProbe {
	s.probeMtx.Lock()
	defer s.probeMtx.Unlock()
	p := s.probes[idx]
	delete(s.probes, idx)
	return p
}

// probesInFlight returns the number of full buckets being probed.
func (s *DHT) probesInFlight() int {
	s.probeMtx.Lock()
	defer s.probeMtx.Unlock()
	return len(s.probes)
}

// remove node from appropriate k bucket
func (s *DHT) removeNode(ctx context.Context, node *Node) {
	if node == nil || len(node.ID) == 0 || bytes.Equal(node.ID, s.ht.self.ID) {
		return
	}
	if s.ht.removeContact(node) {
		s.metrics.IncEviction()
		s.resolved.Delete(string(node.VK))
		logtrace.Debug(ctx, "removed node from bucket", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldNode:   node.String(),
		})
	}
}

// learnCaller adds the sender of an inbound request to the routing table if
// it is not known yet, and refreshes it otherwise.
func (s *DHT) learnCaller(ctx context.Context, sender *Node) {
	if s.ht.isNewNode(sender) {
		logtrace.Debug(ctx, "never seen node before, adding to router", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldNode:   sender.String(),
		})
	}
	s.addNode(ctx, sender, false)
}

// handleRequest answers an inbound request. It returns the response
// payload, or nil when no response must be sent.
func (s *DHT) handleRequest(ctx context.Context, msg *Message) (interface{}, error) {
	switch req := msg.Data.(type) {
	case *PingRequest:
		s.learnCaller(ctx, msg.Sender)
		return &PingResponse{Status: ResponseStatus{Result: ResultOk}}, nil

	case *FindNodeRequest:
		s.learnCaller(ctx, msg.Sender)
		closest := s.ht.findNeighbors(req.Target, s.k(), msg.Sender)
		return &FindNodeResponse{Status: ResponseStatus{Result: ResultOk}, Closest: closest.Nodes}, nil

	case *FindValueRequest:
		s.learnCaller(ctx, msg.Sender)
		if v, ok := s.store.Retrieve(ctx, req.Target); ok {
			return &FindValueResponse{Status: ResponseStatus{Result: ResultOk}, Found: true, Value: v}, nil
		}
		closest := s.ht.findNeighbors(req.Target, s.k(), msg.Sender)
		return &FindValueResponse{Status: ResponseStatus{Result: ResultOk}, Closest: closest.Nodes}, nil

	case *StoreDataRequest:
		if s.options.StoreUpdatesRouting {
			s.learnCaller(ctx, msg.Sender)
		}
		if len(req.Key) != utils.DigestSize {
			err := errors.Errorf("%w: key of %d bytes", ErrProtocolViolation, len(req.Key))
			return &StoreDataResponse{Status: ResponseStatus{Result: ResultFailed, ErrMsg: err.Error()}}, err
		}
		if err := s.store.Store(ctx, req.Key, req.Value); err != nil {
			return &StoreDataResponse{Status: ResponseStatus{Result: ResultFailed, ErrMsg: err.Error()}}, err
		}
		return &StoreDataResponse{Status: ResponseStatus{Result: ResultOk}}, nil

	default:
		return nil, errors.Errorf("%w: unexpected request payload %T", ErrProtocolViolation, msg.Data)
	}
}

package kademlia

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

const (
	defaultRPCTimeout = 3 * time.Second

	// window in which a repeated datagram is treated as a replay
	duplicateWindow = time.Minute
	duplicateCache  = 4096
)

// callResult settles an exchange
type callResult struct {
	msg *Message
	err error
}

// exchange is an outstanding request. It is resolved exactly once: whoever
// removes it from the pending map owns the outcome.
type exchange struct {
	receiver *Node
	request  *Message
	result   chan callResult
	deadline time.Time
}

// Network is the datagram RPC layer of the DHT
type Network struct {
	dht     *DHT
	self    *Node
	signer  Signer
	verify  VerifyFunc
	timeout time.Duration
	clock   clock.Clock

	conn net.PacketConn

	mtx     sync.Mutex
	pending map[string]*exchange

	// recently seen (sender, correlation id, direction) triples
	seen *expirable.LRU[string, struct{}]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	recentMu      sync.Mutex
	recentOverall []RecentRPCEntry
	recentByIP    map[string][]RecentRPCEntry
}

// NewNetwork returns a network bound to the dht. conn may be nil, in which
// case Start listens on self's address.
func NewNetwork(dht *DHT, self *Node, signer Signer, verify VerifyFunc, conn net.PacketConn, timeout time.Duration, clk clock.Clock) (*Network, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if verify == nil {
		verify = VerifyEd25519
	}
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Network{
		dht:     dht,
		self:    self,
		signer:  signer,
		verify:  verify,
		timeout: timeout,
		clock:   clk,
		conn:    conn,
		pending: make(map[string]*exchange),
		seen:    expirable.NewLRU[string, struct{}](duplicateCache, nil, duplicateWindow),
		done:    make(chan struct{}),
	}, nil
}

// Start opens the transport if needed and serves inbound datagrams.
func (s *Network) Start(ctx context.Context) error {
	if s.conn == nil {
		addr := net.JoinHostPort(s.self.IP, strconv.Itoa(int(s.self.Port)))
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return errors.Errorf("listen %s: %w", addr, err)
		}
		s.conn = conn
	}
	if ua, ok := s.conn.LocalAddr().(*net.UDPAddr); ok && s.self.Port == 0 {
		s.self.Port = uint16(ua.Port)
	}

	logtrace.Info(ctx, "network listening", logtrace.Fields{
		logtrace.FieldModule: "p2p",
		"address":            s.conn.LocalAddr().String(),
		logtrace.FieldNode:   s.self.String(),
	})

	s.wg.Add(1)
	go s.serve(ctx)
	return nil
}

// LocalAddr returns the transport address or nil before Start.
func (s *Network) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the transport and fails every pending exchange.
func (s *Network) Stop(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		}

		s.mtx.Lock()
		for id, ex := range s.pending {
			delete(s.pending, id)
			ex.result <- callResult{err: ErrClosed}
		}
		s.mtx.Unlock()

		s.wg.Wait()

		logtrace.Debug(ctx, "network stopped", logtrace.Fields{logtrace.FieldModule: "p2p"})
	})
	return err
}

func (s *Network) serve(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize+1)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logtrace.Warn(ctx, "read datagram failed", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldError:  err.Error(),
			})
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(ctx, data, addr)
		}()
	}
}

func (s *Network) handleDatagram(ctx context.Context, data []byte, addr net.Addr) {
	msg, err := decodeMessage(data, s.verify)
	if err != nil {
		s.dht.metrics.IncDropped("violation")
		logtrace.Debug(ctx, "drop datagram", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   addr.String(),
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	if required, mismatch := versionMismatch(msg.Version); mismatch {
		s.dht.metrics.IncDropped("version")
		logtrace.Debug(ctx, "drop datagram: version mismatch", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   msg.Sender.String(),
			"required":           required,
			"peer_version":       msg.Version,
		})
		return
	}

	if s.isDuplicate(msg) {
		s.dht.metrics.IncDropped("duplicate")
		return
	}

	// the observed source address wins over the advertised one
	if ua, ok := addr.(*net.UDPAddr); ok {
		msg.Sender.IP = ua.IP.String()
		msg.Sender.Port = uint16(ua.Port)
	}
	msg.Receiver = s.self

	if msg.IsResponse {
		s.resolve(ctx, msg)
		return
	}
	s.serveRequest(ctx, msg, addr)
}

func (s *Network) isDuplicate(msg *Message) bool {
	key := string(msg.Sender.ID) + "|" + msg.CorrelationID + "|" + strconv.FormatBool(msg.IsResponse)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.seen.Contains(key) {
		return true
	}
	s.seen.Add(key, struct{}{})
	return false
}

// resolve settles the pending exchange matching a response.
func (s *Network) resolve(ctx context.Context, msg *Message) {
	s.mtx.Lock()
	ex, ok := s.pending[msg.CorrelationID]
	if !ok {
		s.mtx.Unlock()
		logtrace.Debug(ctx, "drop unsolicited response", logtrace.Fields{
			logtrace.FieldModule:        "p2p",
			logtrace.FieldPeer:          msg.Sender.String(),
			logtrace.FieldCorrelationID: msg.CorrelationID,
		})
		return
	}
	delete(s.pending, msg.CorrelationID)
	s.mtx.Unlock()

	switch {
	case len(ex.receiver.ID) > 0 && !bytes.Equal(ex.receiver.ID, msg.Sender.ID):
		ex.result <- callResult{err: errors.Errorf("%w: response from %s, expected %s", ErrProtocolViolation, msg.Sender.String(), ex.receiver.String())}
	case msg.MessageType != ex.request.MessageType:
		ex.result <- callResult{err: errors.Errorf("%w: %v response to %v request", ErrProtocolViolation, msg.MessageType, ex.request.MessageType)}
	default:
		ex.result <- callResult{msg: msg}
	}
}

func (s *Network) serveRequest(ctx context.Context, msg *Message, addr net.Addr) {
	started := time.Now()
	ctx = logtrace.CtxWithCorrelationID(ctx, msg.CorrelationID)

	data, err := s.dht.handleRequest(ctx, msg)
	s.recordInbound(msg, started, err)
	s.dht.metrics.IncHandled(msg.MessageType)
	if err != nil {
		logtrace.Debug(ctx, "handle request failed", logtrace.Fields{
			logtrace.FieldModule:      "p2p",
			logtrace.FieldMessageType: msg.MessageType.String(),
			logtrace.FieldPeer:        msg.Sender.String(),
			logtrace.FieldError:       err.Error(),
		})
	}
	if data == nil {
		return
	}

	response := &Message{
		Sender:        s.self,
		Receiver:      msg.Sender,
		MessageType:   msg.MessageType,
		IsResponse:    true,
		Data:          data,
		CorrelationID: msg.CorrelationID,
		Version:       localVersion(),
	}
	if err := s.send(response, addr); err != nil {
		logtrace.Debug(ctx, "write response failed", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   msg.Sender.String(),
			logtrace.FieldError:  err.Error(),
		})
	}
}

func (s *Network) send(msg *Message, addr net.Addr) error {
	data, err := encodeMessage(msg, s.signer)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		return errors.Errorf("write to %s: %w", addr.String(), err)
	}
	return nil
}

// Call sends request to request.Receiver and waits for the response. It
// returns ErrTimeout when the deadline passes, an ErrProtocolViolation error
// when the answer is inconsistent, and ctx.Err() when the caller gives up.
func (s *Network) Call(ctx context.Context, request *Message) (*Message, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if s.conn == nil {
		return nil, ErrNotStarted
	}

	addr, err := request.Receiver.UDPAddr()
	if err != nil {
		return nil, errors.Errorf("resolve %s: %w", request.Receiver.String(), err)
	}

	request.CorrelationID = uuid.NewString()
	request.Sender = s.self
	request.Version = localVersion()

	timer := s.clock.Timer(s.timeout)
	defer timer.Stop()

	ex := &exchange{
		receiver: request.Receiver,
		request:  request,
		result:   make(chan callResult, 1),
		deadline: s.clock.Now().Add(s.timeout),
	}
	s.mtx.Lock()
	s.pending[request.CorrelationID] = ex
	s.mtx.Unlock()

	if err := s.send(request, addr); err != nil {
		s.abandon(request.CorrelationID)
		return nil, err
	}

	select {
	case res := <-ex.result:
		return res.msg, res.err
	case <-timer.C:
		if !s.abandon(request.CorrelationID) {
			res := <-ex.result
			return res.msg, res.err
		}
		return nil, errors.Errorf("%w: %v to %s", ErrTimeout, request.MessageType, request.Receiver.String())
	case <-ctx.Done():
		if !s.abandon(request.CorrelationID) {
			res := <-ex.result
			return res.msg, res.err
		}
		return nil, ctx.Err()
	case <-s.done:
		if !s.abandon(request.CorrelationID) {
			res := <-ex.result
			return res.msg, res.err
		}
		return nil, ErrClosed
	}
}

// abandon removes a pending exchange. It returns false when the exchange
// was already resolved by a response.
func (s *Network) abandon(id string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// PendingCount returns the number of outstanding exchanges.
func (s *Network) PendingCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.pending)
}

package kademlia

import (
	"errors"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

var (
	// ErrTimeout is returned when a peer does not answer before the RPC deadline.
	ErrTimeout = errors.New("rpc timeout")

	// ErrProtocolViolation marks malformed, unsigned or inconsistent messages.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidValue is returned by Store before any network activity.
	ErrInvalidValue = domain.ErrInvalidValue

	// ErrBootstrapFailed is returned once every bootstrap attempt found no live seed.
	ErrBootstrapFailed = errors.New("bootstrap failed: no reachable seed")

	// ErrNotStarted is returned when the transport is not listening.
	ErrNotStarted = errors.New("dht not started")

	// ErrNoNeighbors is returned when a snapshot is requested with an empty table.
	ErrNoNeighbors = errors.New("no neighbors to snapshot")

	// ErrClosed is returned for calls issued after Stop.
	ErrClosed = errors.New("dht stopped")
)

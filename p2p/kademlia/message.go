package kademlia

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
)

// maxDatagramSize bounds an encoded message
const maxDatagramSize = 64 << 10

// MessageType is the operation tag of a message
type MessageType uint8

const (
	// Ping the target to check if it's online
	Ping MessageType = iota
	// StoreData asks the target to cache a value
	StoreData
	// FindNode asks the target for its nearest contacts to an id
	FindNode
	// FindValue asks the target for a value, or its nearest contacts to the key
	FindValue
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case StoreData:
		return "STORE"
	case FindNode:
		return "FIND_NODE"
	case FindValue:
		return "FIND_VALUE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message structure for kademlia network
type Message struct {
	Sender      *Node       // the sender node
	Receiver    *Node       // the receiver node, never on the wire
	MessageType MessageType // the message type
	IsResponse  bool        // response to a request with the same CorrelationID
	Data        interface{} // typed payload, see newPayload
	// CorrelationID pairs a response with its request
	CorrelationID string
	// Version is the protocol version of the sender
	Version string
}

func (m *Message) String() string {
	kind := "request"
	if m.IsResponse {
		kind = "response"
	}
	sender, receiver := "<nil>", "<nil>"
	if m.Sender != nil {
		sender = m.Sender.String()
	}
	if m.Receiver != nil {
		receiver = m.Receiver.String()
	}
	return fmt.Sprintf("type: %v %s, sender: %v, receiver: %v, data type: %T", m.MessageType, kind, sender, receiver, m.Data)
}

// ResultType specify success of message request
type ResultType int

const (
	// ResultOk means request is ok
	ResultOk ResultType = 0
	// ResultFailed meas request got failed
	ResultFailed ResultType = 1
)

// ResponseStatus defines the result of request
type ResponseStatus struct {
	Result ResultType `msgpack:"r"`
	ErrMsg string     `msgpack:"e,omitempty"`
}

// PingRequest defines the request data for ping
type PingRequest struct{}

// PingResponse defines the response data for ping; the responder id is the sender
type PingResponse struct {
	Status ResponseStatus `msgpack:"s"`
}

// FindNodeRequest defines the request data for find node
type FindNodeRequest struct {
	Target []byte `msgpack:"t"`
}

// FindNodeResponse defines the response data for find node
type FindNodeResponse struct {
	Status  ResponseStatus `msgpack:"s"`
	Closest []*Node        `msgpack:"n"`
}

// FindValueRequest defines the request data for find value
type FindValueRequest struct {
	Target []byte `msgpack:"t"`
}

// FindValueResponse defines the response data for find value. Found selects
// between Value and the Closest fallback.
type FindValueResponse struct {
	Status  ResponseStatus `msgpack:"s"`
	Found   bool           `msgpack:"f"`
	Value   domain.Value   `msgpack:"v"`
	Closest []*Node        `msgpack:"n"`
}

// StoreDataRequest defines the request data for store data
type StoreDataRequest struct {
	Key   []byte       `msgpack:"k"`
	Value domain.Value `msgpack:"v"`
}

// StoreDataResponse defines the response data for store data
type StoreDataResponse struct {
	Status ResponseStatus `msgpack:"s"`
}

// newPayload returns the typed payload for a (type, response) pair.
func newPayload(t MessageType, response bool) (interface{}, error) {
	switch t {
	case Ping:
		if response {
			return &PingResponse{}, nil
		}
		return &PingRequest{}, nil
	case StoreData:
		if response {
			return &StoreDataResponse{}, nil
		}
		return &StoreDataRequest{}, nil
	case FindNode:
		if response {
			return &FindNodeResponse{}, nil
		}
		return &FindNodeRequest{}, nil
	case FindValue:
		if response {
			return &FindValueResponse{}, nil
		}
		return &FindValueRequest{}, nil
	default:
		return nil, errors.Errorf("%w: unknown message type %d", ErrProtocolViolation, t)
	}
}

// envelope is the datagram layout; Payload is the msgpack encoded typed payload
type envelope struct {
	Version       string      `msgpack:"v"`
	CorrelationID string      `msgpack:"c"`
	Type          MessageType `msgpack:"t"`
	Response      bool        `msgpack:"r"`
	Sender        Node        `msgpack:"s"`
	Payload       []byte      `msgpack:"p"`
	Signature     []byte      `msgpack:"g"`
}

// digest is the signed BLAKE3 digest over every envelope field except the
// signature. Fields are length prefixed so boundaries cannot shift.
func (e *envelope) digest() []byte {
	h := blake3.New(32, nil)
	var lenBuf [4]byte
	write := func(b []byte) {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(b)
	}

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], e.Sender.Port)
	flags := []byte{byte(e.Type), 0}
	if e.Response {
		flags[1] = 1
	}

	write([]byte(e.Version))
	write([]byte(e.CorrelationID))
	write(flags)
	write(e.Sender.ID)
	write([]byte(e.Sender.IP))
	write(port[:])
	write(e.Sender.VK)
	write(e.Payload)
	return h.Sum(nil)
}

// encodeMessage serializes and signs msg.
func encodeMessage(msg *Message, signer Signer) ([]byte, error) {
	if msg.Sender == nil {
		return nil, errors.Errorf("encode %v: missing sender", msg.MessageType)
	}
	payload, err := msgpack.Marshal(msg.Data)
	if err != nil {
		return nil, errors.Errorf("encode %v payload: %w", msg.MessageType, err)
	}

	env := envelope{
		Version:       msg.Version,
		CorrelationID: msg.CorrelationID,
		Type:          msg.MessageType,
		Response:      msg.IsResponse,
		Sender:        *msg.Sender,
		Payload:       payload,
	}
	if env.Signature, err = signer.Sign(env.digest()); err != nil {
		return nil, errors.Errorf("sign %v: %w", msg.MessageType, err)
	}

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, errors.Errorf("encode %v envelope: %w", msg.MessageType, err)
	}
	if len(data) > maxDatagramSize {
		return nil, errors.Errorf("encode %v: %d bytes exceeds datagram limit", msg.MessageType, len(data))
	}
	return data, nil
}

// decodeMessage parses a datagram, authenticates its sender and decodes the
// payload into its typed form. Every failure wraps ErrProtocolViolation.
func decodeMessage(data []byte, verify VerifyFunc) (*Message, error) {
	if len(data) > maxDatagramSize {
		return nil, errors.Errorf("%w: datagram of %d bytes", ErrProtocolViolation, len(data))
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Errorf("%w: decode envelope: %v", ErrProtocolViolation, err)
	}
	if env.CorrelationID == "" {
		return nil, errors.Errorf("%w: missing correlation id", ErrProtocolViolation)
	}
	if len(env.Sender.VK) == 0 || !env.Sender.IdentityConsistent() {
		return nil, errors.Errorf("%w: sender id does not match its verifying key", ErrProtocolViolation)
	}
	if !verify(env.Sender.VK, env.digest(), env.Signature) {
		return nil, errors.Errorf("%w: bad signature from %s", ErrProtocolViolation, env.Sender.String())
	}

	payload, err := newPayload(env.Type, env.Response)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.Payload, payload); err != nil {
		return nil, errors.Errorf("%w: decode %v payload: %v", ErrProtocolViolation, env.Type, err)
	}

	sender := env.Sender
	return &Message{
		Sender:        &sender,
		MessageType:   env.Type,
		IsResponse:    env.Response,
		Data:          payload,
		CorrelationID: env.CorrelationID,
		Version:       env.Version,
	}, nil
}

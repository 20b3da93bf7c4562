package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

func newSignedSender(t *testing.T) (*Keypair, *Node) {
	t.Helper()
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	return kp, NewNodeFromVK(kp.VerifyingKey(), "127.0.0.1", 4445)
}

func TestEncodeDecodeMessage(t *testing.T) {
	kp, sender := newSignedSender(t)
	target := randomID(t)

	msg := &Message{
		Sender:        sender,
		MessageType:   FindValue,
		IsResponse:    true,
		CorrelationID: "c-1",
		Version:       ProtocolVersion,
		Data: &FindValueResponse{
			Status:  ResponseStatus{Result: ResultOk},
			Found:   true,
			Value:   domain.StringValue("ledger"),
			Closest: []*Node{NewNode(target, "10.0.0.1", 1)},
		},
	}

	data, err := encodeMessage(msg, kp)
	require.NoError(t, err)

	got, err := decodeMessage(data, VerifyEd25519)
	require.NoError(t, err)
	assert.Equal(t, FindValue, got.MessageType)
	assert.True(t, got.IsResponse)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, ProtocolVersion, got.Version)
	assert.Equal(t, sender.ID, got.Sender.ID)

	rsp, ok := got.Data.(*FindValueResponse)
	require.True(t, ok)
	assert.True(t, rsp.Found)
	assert.True(t, rsp.Value.Equal(domain.StringValue("ledger")))
	require.Len(t, rsp.Closest, 1)
	assert.Equal(t, target, rsp.Closest[0].ID)
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	kp, sender := newSignedSender(t)
	msg := &Message{
		Sender:        sender,
		MessageType:   StoreData,
		CorrelationID: "c-2",
		Version:       ProtocolVersion,
		Data:          &StoreDataRequest{Key: randomID(t), Value: domain.IntValue(1)},
	}
	data, err := encodeMessage(msg, kp)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, msgpack.Unmarshal(data, &env))
	env.Payload, err = msgpack.Marshal(&StoreDataRequest{Key: randomID(t), Value: domain.IntValue(2)})
	require.NoError(t, err)
	tampered, err := msgpack.Marshal(&env)
	require.NoError(t, err)

	_, err = decodeMessage(tampered, VerifyEd25519)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeRejectsForeignSigner(t *testing.T) {
	_, sender := newSignedSender(t)
	other, _ := newSignedSender(t)

	data, err := encodeMessage(&Message{
		Sender:        sender,
		MessageType:   Ping,
		CorrelationID: "c-3",
		Version:       ProtocolVersion,
		Data:          &PingRequest{},
	}, other)
	require.NoError(t, err)

	_, err = decodeMessage(data, VerifyEd25519)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeRejectsInconsistentSender(t *testing.T) {
	kp, sender := newSignedSender(t)
	sender.ID = randomID(t)

	data, err := encodeMessage(&Message{
		Sender:        sender,
		MessageType:   Ping,
		CorrelationID: "c-4",
		Version:       ProtocolVersion,
		Data:          &PingRequest{},
	}, kp)
	require.NoError(t, err)

	_, err = decodeMessage(data, VerifyEd25519)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeMessage([]byte("not a message"), VerifyEd25519)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = decodeMessage(make([]byte, maxDatagramSize+1), VerifyEd25519)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestNewPayloadUnknownType(t *testing.T) {
	_, err := newPayload(MessageType(42), false)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, "UNKNOWN(42)", MessageType(42).String())
}

func TestVersionMismatch(t *testing.T) {
	t.Cleanup(func() { SetRequiredVersion("") })

	_, mismatch := versionMismatch(ProtocolVersion)
	assert.False(t, mismatch)
	_, mismatch = versionMismatch("")
	assert.True(t, mismatch)

	SetRequiredVersion("kad/2")
	required, mismatch := versionMismatch(ProtocolVersion)
	assert.True(t, mismatch)
	assert.Equal(t, "kad/2", required)
	assert.Equal(t, "kad/2", localVersion())
}

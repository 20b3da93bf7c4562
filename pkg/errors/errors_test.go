package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorfKeepsChain(t *testing.T) {
	err := Errorf("read datagram: %w", io.EOF)
	require.Error(t, err)
	assert.True(t, Is(err, io.EOF))
	assert.Contains(t, err.Error(), "read datagram")
	assert.NotEmpty(t, Stack(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))

	err := Wrap(io.ErrUnexpectedEOF, "decode")
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "decode: unexpected EOF", err.Error())
}

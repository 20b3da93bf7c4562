package utils

import (
	"github.com/btcsuite/btcutil/base58"
	"lukechampine.com/blake3"
)

// DigestSize is the width in bytes of overlay identifiers (160 bits).
const DigestSize = 20

// Digest returns the 160-bit BLAKE3 digest of data. Node identifiers are the
// digest of the node's verifying key, and DHT keys are the digest of the
// application key.
func Digest(data []byte) []byte {
	h := blake3.New(DigestSize, nil)
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// EncodeKey renders an identifier or verifying key for logs and the CLI.
func EncodeKey(b []byte) string {
	return base58.Encode(b)
}

// DecodeKey is the inverse of EncodeKey. It returns nil for invalid input.
func DecodeKey(s string) []byte {
	b := base58.Decode(s)
	if len(b) == 0 {
		return nil
	}
	return b
}

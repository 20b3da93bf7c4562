package utils

import (
	"bytes"
	"testing"

	"lukechampine.com/blake3"
)

func TestDigestWidth(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", []byte("vk")},
		{"long", bytes.Repeat([]byte{0xab}, 4096)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := Digest(tc.input)
			if len(got) != DigestSize {
				t.Fatalf("Digest len = %d, want %d", len(got), DigestSize)
			}
			if !bytes.Equal(got, Digest(tc.input)) {
				t.Fatalf("Digest is not deterministic")
			}
		})
	}
}

func TestDigestMatchesBlake3XOF(t *testing.T) {
	t.Parallel()

	msg := []byte("verifying key")
	h := blake3.New(DigestSize, nil)
	_, _ = h.Write(msg)
	want := h.Sum(nil)

	if got := Digest(msg); !bytes.Equal(got, want) {
		t.Fatalf("Digest mismatch: %x vs %x", got, want)
	}
}

func TestEncodeDecodeKey(t *testing.T) {
	id := Digest([]byte("node"))
	if got := DecodeKey(EncodeKey(id)); !bytes.Equal(got, id) {
		t.Fatalf("round trip mismatch: %x vs %x", got, id)
	}
	if DecodeKey("0OIl") != nil {
		t.Fatalf("expected nil for invalid base58")
	}
}

package kademlia

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil/base58"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

// Signer signs outbound messages on behalf of the local node.
type Signer interface {
	// VerifyingKey returns the public key peers use to check signatures.
	VerifyingKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// VerifyFunc checks sig over msg against the verifying key vk.
type VerifyFunc func(vk, msg, sig []byte) bool

// VerifyEd25519 is the VerifyFunc matching Keypair.
func VerifyEd25519(vk, msg, sig []byte) bool {
	if len(vk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(vk), msg, sig)
}

// Keypair is an ed25519 Signer.
type Keypair struct {
	priv ed25519.PrivateKey
}

// GenerateKeypair creates a random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// LoadOrCreateKeypair reads a base58 seed from path, creating the file with
// a fresh seed when it does not exist.
func LoadOrCreateKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed := base58.Decode(strings.TrimSpace(string(raw)))
		kp, err := KeypairFromSeed(seed)
		if err != nil {
			return nil, errors.Errorf("key file %s: %w", path, err)
		}
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Errorf("read key file: %w", err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(base58.Encode(kp.Seed())+"\n"), 0o600); err != nil {
		return nil, errors.Errorf("write key file: %w", err)
	}
	return kp, nil
}

func (k *Keypair) VerifyingKey() []byte {
	return append([]byte(nil), k.priv.Public().(ed25519.PublicKey)...)
}

func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, msg), nil
}

// Seed returns the private seed.
func (k *Keypair) Seed() []byte {
	return k.priv.Seed()
}

// ID returns the node id derived from the verifying key.
func (k *Keypair) ID() []byte {
	return utils.Digest(k.VerifyingKey())
}

// IdentityBook is the static directory of known peer verifying keys, keyed
// by node id. Crawls use it to backfill keys that intermediate hops omitted.
type IdentityBook struct {
	mu   sync.RWMutex
	byID map[string][]byte
}

// NewIdentityBook returns a book holding vks.
func NewIdentityBook(vks ...[]byte) *IdentityBook {
	b := &IdentityBook{byID: make(map[string][]byte, len(vks))}
	for _, vk := range vks {
		b.Add(vk)
	}
	return b
}

// Add registers vk under its digest.
func (b *IdentityBook) Add(vk []byte) {
	if len(vk) == 0 {
		return
	}
	b.mu.Lock()
	b.byID[string(utils.Digest(vk))] = append([]byte(nil), vk...)
	b.mu.Unlock()
}

// Lookup returns the verifying key whose digest is id.
func (b *IdentityBook) Lookup(id []byte) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	vk, ok := b.byID[string(id)]
	return vk, ok
}

// Len returns the number of known identities.
func (b *IdentityBook) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

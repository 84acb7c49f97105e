package nostrp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/hkdf"
)

// Signer derives a deterministic secp256k1 key per origin user from the
// bridge's seed key and signs events with it. The derivation is
// HKDF-SHA256(ikm=seed, salt=nil, info="brig-copy-user:"+originID), domain
// separated so an attacker-controlled origin id can't collide with another
// user's key material.
type Signer struct {
	seed string

	mu    sync.RWMutex
	cache map[string]string // origin id → derived hex privkey
}

// NewSigner creates a signer from a 32-byte hex seed key.
func NewSigner(seed string) (*Signer, error) {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("seed key must be 32 hex-encoded bytes")
	}
	return &Signer{seed: seed, cache: map[string]string{}}, nil
}

func (s *Signer) derivedKey(originID string) string {
	s.mu.RLock()
	if key, ok := s.cache[originID]; ok {
		s.mu.RUnlock()
		return key
	}
	s.mu.RUnlock()

	raw, _ := hex.DecodeString(s.seed)
	r := hkdf.New(sha256.New, raw, nil, []byte("brig-copy-user:"+originID))
	var derived [32]byte
	if _, err := io.ReadFull(r, derived[:]); err != nil {
		panic("signer: hkdf read failed: " + err.Error())
	}
	key := hex.EncodeToString(derived[:])

	s.mu.Lock()
	s.cache[originID] = key
	s.mu.Unlock()
	return key
}

// PublicKey returns the derived hex public key for an origin user id.
func (s *Signer) PublicKey(originID string) (string, error) {
	return nostr.GetPublicKey(s.derivedKey(originID))
}

// Sign signs event with the key derived for originID.
func (s *Signer) Sign(event *nostr.Event, originID string) error {
	return event.Sign(s.derivedKey(originID))
}

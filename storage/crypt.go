package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

const (
	keyContext = "lattica storage seal v1"
	nsContext  = "lattica storage namespace v1"
)

// sealer holds the per-identity AEAD and key namespace derived from a seed
// phrase.
type sealer struct {
	aead   cipher.AEAD
	prefix string
}

// newSealer derives the AES-256-GCM key and the namespace prefix from the
// seed phrase with Blake3 key derivation. Distinct seeds yield disjoint
// namespaces and unrelated keys.
func newSealer(seed string) (*sealer, error) {
	var key [32]byte
	blake3.DeriveKey(key[:], keyContext, []byte(seed))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	var ns [32]byte
	blake3.DeriveKey(ns[:], nsContext, []byte(seed))

	return &sealer{
		aead:   aead,
		prefix: hex.EncodeToString(ns[:10]),
	}, nil
}

// storageKey maps a logical path into this identity's namespace.
func (s *sealer) storageKey(path string) []byte {
	return []byte(s.prefix + "/" + path)
}

// seal encrypts plaintext with a random nonce, binding the storage key as
// additional data so a ciphertext moved to another path fails to open.
func (s *sealer) seal(path string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, s.storageKey(path))
	return out, nil
}

// open decrypts a value produced by seal for the same path and identity.
func (s *sealer) open(path string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed value too short")
	}
	return s.aead.Open(nil, sealed[:ns], sealed[ns:], s.storageKey(path))
}

// Package identity maps a blockchain identity to the deterministic storage
// seed phrase that scopes and encrypts its content-addressed storage.
//
// An identity is either an (address, chainID) pair or a raw private key.
// Both derive 16 bytes of entropy through a fixed hash, and the entropy is
// rendered as a 15-word phrase over a 1024-word dictionary: 13 entropy words
// (12 carrying 10 bits each plus one carrying 8 bits) followed by 2 checksum
// words extracted from a Blake3 hash of the reconstructed bytes.
//
// Derivation never depends on per-session signatures, so the same identity
// reaches the same storage from any device.
package identity

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	bip39words "github.com/tyler-smith/go-bip39/wordlists"
	"lukechampine.com/blake3"

	"github.com/latticanet/lattica"
)

// domainTag versions the address derivation. Changing the tag rotates every
// derived seed, so it must never change within a deployment.
const domainTag = "lattica-seed-v1"

const (
	// EntropyBytes is the entropy carried by a seed phrase.
	EntropyBytes = 16

	// PhraseWords is the total word count: 13 entropy + 2 checksum.
	PhraseWords = 15

	dictionarySize = 1024 // 10 bits per word
)

// dictionary is the fixed 1024-word list. The first 1024 words of the BIP-39
// English list give a stable, widely mirrored dictionary with unambiguous
// lowercase words.
var dictionary = bip39words.English[:dictionarySize]

var wordIndex = func() map[string]uint16 {
	m := make(map[string]uint16, dictionarySize)
	for i, w := range dictionary {
		m[w] = uint16(i)
	}
	return m
}()

// DeriveSeedFromAddress returns the storage seed phrase for the given
// address on the given chain. The address is lowercased first, so checksummed
// and non-checksummed spellings of the same address agree. chainID is part of
// the hash input: the same address on two chains reaches disjoint storage.
func DeriveSeedFromAddress(address string, chainID uint64) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return "", fmt.Errorf("%w: malformed address %q", lattica.ErrInvalidKey, address)
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		return "", fmt.Errorf("%w: malformed address %q", lattica.ErrInvalidKey, address)
	}
	input := fmt.Sprintf("%s|%s|%d", domainTag, addr, chainID)
	var entropy [EntropyBytes]byte
	copy(entropy[:], crypto.Keccak256([]byte(input))[:EntropyBytes])
	return EntropyToPhrase(entropy)
}

// DeriveSeedFromPrivateKey returns the storage seed phrase for a raw 32-byte
// private key, given hex encoded with or without a 0x prefix. The key is
// validated as a usable secp256k1 scalar before hashing.
func DeriveSeedFromPrivateKey(privateKey string) (string, error) {
	norm := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(privateKey)), "0x")
	raw, err := hex.DecodeString(norm)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: not a 32-byte hex key", lattica.ErrInvalidKey)
	}
	if _, err := crypto.ToECDSA(raw); err != nil {
		return "", fmt.Errorf("%w: %v", lattica.ErrInvalidKey, err)
	}
	var entropy [EntropyBytes]byte
	copy(entropy[:], crypto.Keccak256(raw)[:EntropyBytes])
	return EntropyToPhrase(entropy)
}

// EntropyToPhrase renders 16 bytes of entropy as the 15-word seed phrase.
// The 128 bits are split as 12 ten-bit words followed by one eight-bit word;
// two ten-bit checksum words from Blake3 over the entropy close the phrase.
func EntropyToPhrase(entropy [EntropyBytes]byte) (string, error) {
	words := make([]string, 0, PhraseWords)
	for i := 0; i < 12; i++ {
		words = append(words, dictionary[takeBits(entropy[:], i*10, 10)])
	}
	// Final entropy word carries the trailing 8 bits only.
	words = append(words, dictionary[takeBits(entropy[:], 120, 8)])

	c1, c2 := checksumWords(entropy)
	words = append(words, dictionary[c1], dictionary[c2])

	return strings.Join(words, " "), nil
}

// PhraseToEntropy parses a 15-word seed phrase back to its 16 bytes of
// entropy, verifying the Blake3 checksum words.
func PhraseToEntropy(phrase string) ([EntropyBytes]byte, error) {
	var entropy [EntropyBytes]byte

	words := strings.Fields(strings.ToLower(strings.TrimSpace(phrase)))
	if len(words) != PhraseWords {
		return entropy, fmt.Errorf("%w: expected %d words, got %d",
			lattica.ErrInvalidEntropyLength, PhraseWords, len(words))
	}

	indices := make([]uint16, PhraseWords)
	for i, w := range words {
		idx, ok := wordIndex[w]
		if !ok {
			return entropy, fmt.Errorf("%w: unknown word %q", lattica.ErrInvalidEntropyLength, w)
		}
		indices[i] = idx
	}
	if indices[12] >= 256 {
		return entropy, fmt.Errorf("%w: word 13 out of 8-bit range", lattica.ErrInvalidEntropyLength)
	}

	for i := 0; i < 12; i++ {
		putBits(entropy[:], i*10, 10, indices[i])
	}
	putBits(entropy[:], 120, 8, indices[12])

	c1, c2 := checksumWords(entropy)
	if indices[13] != c1 || indices[14] != c2 {
		return entropy, fmt.Errorf("%w: checksum mismatch", lattica.ErrInvalidEntropyLength)
	}
	return entropy, nil
}

// checksumWords derives the two 10-bit checksum word indices from a Blake3
// hash of the entropy.
func checksumWords(entropy [EntropyBytes]byte) (uint16, uint16) {
	sum := blake3.Sum256(entropy[:])
	return takeBits(sum[:], 0, 10), takeBits(sum[:], 10, 10)
}

// takeBits reads n bits (n <= 10) starting at bit offset start from a
// big-endian bit string.
func takeBits(b []byte, start, n int) uint16 {
	var v uint16
	for i := 0; i < n; i++ {
		pos := start + i
		bit := (b[pos/8] >> (7 - pos%8)) & 1
		v = v<<1 | uint16(bit)
	}
	return v
}

// putBits writes the low n bits of v at bit offset start.
func putBits(b []byte, start, n int, v uint16) {
	for i := 0; i < n; i++ {
		pos := start + i
		bit := (v >> (n - 1 - i)) & 1
		if bit == 1 {
			b[pos/8] |= 1 << (7 - pos%8)
		}
	}
}

// Deriver memoizes address derivations per (address, chainID). The cache is
// purely a latency optimization; DeriveSeedFromAddress is correct without it.
type Deriver struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewDeriver returns a Deriver with an empty cache.
func NewDeriver() *Deriver {
	return &Deriver{cache: make(map[string]string)}
}

// SeedForAddress returns the memoized seed phrase for (address, chainID).
func (d *Deriver) SeedForAddress(address string, chainID uint64) (string, error) {
	key := fmt.Sprintf("%s|%s|%d", domainTag, strings.ToLower(address), chainID)
	d.mu.Lock()
	if phrase, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return phrase, nil
	}
	d.mu.Unlock()

	phrase, err := DeriveSeedFromAddress(address, chainID)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.cache[key] = phrase
	d.mu.Unlock()
	return phrase, nil
}

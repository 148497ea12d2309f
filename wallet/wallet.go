// Package wallet abstracts the signing capability the client core needs.
// The core never assumes a specific wallet ecosystem; anything that can
// report an address, sign a message and sign a transaction satisfies Wallet.
// A local private-key implementation is provided for hosts, tooling and
// tests.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/latticanet/lattica"
)

// Wallet is the capability interface for an identity that can sign.
type Wallet interface {
	// Address returns the account address.
	Address() common.Address

	// SignMessage signs an arbitrary message with the EIP-191 personal-sign
	// prefix and returns the 65-byte [R || S || V] signature.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// SignTx signs a transaction for the given chain.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PrivateKeyWallet signs with an in-memory secp256k1 key.
type PrivateKeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeyWallet builds a wallet from a hex-encoded private key, with or
// without a 0x prefix.
func NewPrivateKeyWallet(hexKey string) (*PrivateKeyWallet, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lattica.ErrInvalidKey, err)
	}
	return FromKey(key), nil
}

// FromKey wraps an existing parsed key.
func FromKey(key *ecdsa.PrivateKey) *PrivateKeyWallet {
	return &PrivateKeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (w *PrivateKeyWallet) Address() common.Address {
	return w.address
}

func (w *PrivateKeyWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return crypto.Sign(TextHash(msg), w.key)
}

func (w *PrivateKeyWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// PublicKeyBytes returns the uncompressed public key, as announced to hosts
// for signed-transport verification.
func (w *PrivateKeyWallet) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&w.key.PublicKey)
}

// TextHash computes the EIP-191 personal-sign hash of msg.
func TextHash(msg []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}

// VerifyMessage checks a 65-byte personal-sign signature against the
// expected signer address.
func VerifyMessage(signer common.Address, msg, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	// Normalize the recovery id; some signers emit 27/28.
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(TextHash(msg), s)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == signer
}

// RecoverSigner returns the address that produced the given personal-sign
// signature over msg.
func RecoverSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes", lattica.ErrInvalidKey)
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(TextHash(msg), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", lattica.ErrInvalidKey, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

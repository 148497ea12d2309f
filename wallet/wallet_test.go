package wallet

import (
	"context"
	"testing"

	"github.com/latticanet/lattica"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewPrivateKeyWallet(t *testing.T) {
	w, err := NewPrivateKeyWallet(testKey)
	require.NoError(t, err)
	require.NotEqual(t, "0x0000000000000000000000000000000000000000", w.Address().Hex())

	w2, err := NewPrivateKeyWallet("0x" + testKey)
	require.NoError(t, err)
	require.Equal(t, w.Address(), w2.Address())
}

func TestNewPrivateKeyWalletInvalid(t *testing.T) {
	_, err := NewPrivateKeyWallet("zzzz")
	require.ErrorIs(t, err, lattica.ErrInvalidKey)
}

func TestSignAndVerifyMessage(t *testing.T) {
	w, err := NewPrivateKeyWallet(testKey)
	require.NoError(t, err)

	msg := []byte("checkpoint 1600 tokens")
	sig, err := w.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	require.True(t, VerifyMessage(w.Address(), msg, sig))
	require.False(t, VerifyMessage(w.Address(), []byte("tampered"), sig))

	signer, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), signer)
}

func TestVerifyMessageBadSignature(t *testing.T) {
	w, _ := NewPrivateKeyWallet(testKey)
	require.False(t, VerifyMessage(w.Address(), []byte("m"), []byte("short")))
	_, err := RecoverSigner([]byte("m"), []byte("short"))
	require.Error(t, err)
}

func TestVerifyMessageLegacyRecoveryID(t *testing.T) {
	w, _ := NewPrivateKeyWallet(testKey)
	msg := []byte("legacy v")
	sig, err := w.SignMessage(context.Background(), msg)
	require.NoError(t, err)

	legacy := make([]byte, 65)
	copy(legacy, sig)
	legacy[64] += 27
	require.True(t, VerifyMessage(w.Address(), msg, legacy))
}

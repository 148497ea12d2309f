package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/wallet"
)

// Operation names checked against the bearer token's permission list.
const (
	OpInference    = "inference"
	OpStreaming    = "streaming"
	OpVectorSearch = "vector-search"
)

// DefaultRefreshBefore is how long before expiry the token is renewed.
const DefaultRefreshBefore = 30 * time.Second

// RefreshFunc obtains a new bearer token; the coordinator supplies it.
type RefreshFunc func(ctx context.Context) (string, error)

// tokenClaims is the subset of the host-issued bearer token the client reads.
// The token is verified by the host; the client only inspects it to refresh
// ahead of expiry and to fail permission-denied operations early.
type tokenClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// bearer tracks the current token and refreshes it ahead of expiry.
type bearer struct {
	mu            sync.Mutex
	token         string
	expiresAt     time.Time
	permissions   map[string]bool
	refresh       RefreshFunc
	refreshBefore time.Duration
}

func newBearer(token string, refresh RefreshFunc, refreshBefore time.Duration) (*bearer, error) {
	if refreshBefore <= 0 {
		refreshBefore = DefaultRefreshBefore
	}
	b := &bearer{refresh: refresh, refreshBefore: refreshBefore}
	if token != "" {
		if err := b.setToken(token); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *bearer) setToken(token string) error {
	claims := &tokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: parse bearer token: %v", lattica.ErrInvalidConfig, err)
	}
	b.token = token
	b.expiresAt = time.Time{}
	if claims.ExpiresAt != nil {
		b.expiresAt = claims.ExpiresAt.Time
	}
	b.permissions = make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		b.permissions[p] = true
	}
	return nil
}

// current returns a fresh token, refreshing when expiry is near.
func (b *bearer) current(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == "" {
		return "", nil
	}
	if b.expiresAt.IsZero() || time.Until(b.expiresAt) > b.refreshBefore {
		return b.token, nil
	}
	if b.refresh == nil {
		if time.Now().After(b.expiresAt) {
			return "", fmt.Errorf("%w: bearer token expired with no refresh configured", lattica.ErrTokenExpired)
		}
		return b.token, nil
	}
	token, err := b.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh bearer token: %w", err)
	}
	if err := b.setToken(token); err != nil {
		return "", err
	}
	return b.token, nil
}

// forceRefresh renews the token immediately, after a host-side TokenExpired.
func (b *bearer) forceRefresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refresh == nil {
		return fmt.Errorf("%w: no refresh configured", lattica.ErrTokenExpired)
	}
	token, err := b.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh bearer token: %w", err)
	}
	return b.setToken(token)
}

// permitted reports whether the token allows the operation. A transport with
// no token skips permission checks (unauthenticated local hosts).
func (b *bearer) permitted(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == "" {
		return true
	}
	return b.permissions[op]
}

// signer produces and verifies the signed-mode envelope fields.
type signer struct {
	wallet      wallet.Wallet
	hostAddress common.Address
	replay      time.Duration
}

// signPayload is the byte string covered by a prompt signature.
func signPayload(content string, timestamp int64, nonce string) []byte {
	return []byte(content + strconv.FormatInt(timestamp, 10) + nonce)
}

// sign fills timestamp, nonce and signature for an outbound prompt.
func (s *signer) sign(ctx context.Context, content string) (timestamp int64, nonce, signature string, err error) {
	timestamp = time.Now().UnixMilli()
	nonce = uuid.NewString()
	sig, err := s.wallet.SignMessage(ctx, signPayload(content, timestamp, nonce))
	if err != nil {
		return 0, "", "", err
	}
	return timestamp, nonce, hex.EncodeToString(sig), nil
}

// verify checks an inbound response against the host's announced address and
// the replay window.
func (s *signer) verify(content string, timestamp int64, nonce, signature string) error {
	age := time.Since(time.UnixMilli(timestamp))
	if age > s.replay || age < -s.replay {
		return fmt.Errorf("%w: response timestamp outside replay window", lattica.ErrTransportDropped)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed response signature", lattica.ErrTransportDropped)
	}
	if !wallet.VerifyMessage(s.hostAddress, signPayload(content, timestamp, nonce), sig) {
		return fmt.Errorf("%w: response signature does not match host", lattica.ErrTransportDropped)
	}
	return nil
}

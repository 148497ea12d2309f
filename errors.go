package lattica

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Components wrap these with fmt.Errorf("%w") so that
// callers can classify failures with errors.Is without parsing strings.
var (
	ErrInvalidConfig            = errors.New("invalid configuration")
	ErrIdentityNotAuthenticated = errors.New("identity not authenticated")

	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnauthorizedSigner = errors.New("unauthorized signer")
	ErrContractReverted   = errors.New("contract reverted")

	ErrNetworkTransient = errors.New("transient network failure")

	ErrTransportDropped = errors.New("transport dropped")
	ErrTransportClosed  = errors.New("transport closed")
	ErrTransportTimeout = errors.New("transport timeout")

	ErrPermissionDenied = errors.New("permission denied")
	ErrTokenExpired     = errors.New("token expired")

	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyClosed = errors.New("session already closed")

	ErrProofHashMismatch     = errors.New("proof hash mismatch")
	ErrDeltaFetchFailed      = errors.New("delta fetch failed")
	ErrCheckpointNotAccepted = errors.New("checkpoint not accepted on chain")

	ErrHostUnavailable = errors.New("host unavailable")

	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	ErrInvalidKey           = errors.New("invalid private key")
	ErrInvalidEntropyLength = errors.New("invalid entropy length")
)

// RateLimitedError carries the host-requested delay before the next attempt.
// The caller must wait RetryAfter before any further send on the session.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// HostError is a structured error message received from a host over the
// transport.
type HostError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HostError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("host error %s: %s (retry after %s)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("host error %s: %s", e.Code, e.Message)
}

// Transient reports whether err is worth retrying with backoff. Permanent
// on-chain failures and lifecycle violations are never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	return errors.Is(err, ErrNetworkTransient) ||
		errors.Is(err, ErrTransportDropped) ||
		errors.Is(err, ErrTransportTimeout)
}

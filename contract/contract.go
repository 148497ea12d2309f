// Package contract wraps the on-chain job marketplace behind a typed facade.
//
// The marketplace escrows a session deposit, accumulates host-signed
// checkpoint claims, and settles the final amount 90/10 between host and
// treasury on completion. The facade owns nonce and gas policy internally
// and waits a configurable confirmation depth on every mutating call.
// Transient RPC failures are retried with backoff; reverts, bad signers and
// insufficient funds surface immediately.
package contract

import (
	"context"
	"errors"
	"strings"

	"github.com/latticanet/lattica"
)

// JobState is the on-chain lifecycle state of a session job.
type JobState uint8

const (
	JobOpen JobState = iota
	JobActive
	JobCompleted
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobOpen:
		return "open"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// JobStatus is the on-chain view of a session job.
type JobStatus struct {
	SessionID   string   `json:"session_id"`
	TokensUsed  uint64   `json:"tokens_used"`
	State       JobState `json:"state"`
	Accumulated uint64   `json:"accumulated"`
}

// CreateJobResult is returned by CreateSessionJob. JobID equals SessionID in
// the current marketplace; both are carried so callers need not assume that.
type CreateJobResult struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	TxHash    string `json:"tx_hash"`
}

// CreateJobParams are the escrow terms for a new session job.
type CreateJobParams struct {
	HostAddress   string `json:"host_address"`
	PaymentToken  string `json:"payment_token"` // empty for native
	Deposit       uint64 `json:"deposit"`
	PricePerToken uint64 `json:"price_per_token"`
	Duration      uint64 `json:"duration"`
	ProofInterval uint64 `json:"proof_interval"`
}

// Facade is the typed marketplace surface the client core consumes. View
// operations need no signer; mutating operations require a wallet capable of
// signing for the caller's role (user, host or treasury).
type Facade interface {
	CreateSessionJob(ctx context.Context, params CreateJobParams) (*CreateJobResult, error)
	GetJobStatus(ctx context.Context, sessionID string) (*JobStatus, error)
	SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature []byte, proofCID string) (string, error)
	CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (string, error)
	HostWithdraw(ctx context.Context, token string) (string, error)
	TreasuryWithdraw(ctx context.Context, token string) (string, error)
	DiscoverActiveHostsWithModels(ctx context.Context) ([]*lattica.Host, error)
	GetCheckpoints(ctx context.Context, sessionID string) ([]*lattica.CheckpointRecord, error)
	ChainID() uint64
}

// classify maps a raw RPC error onto the typed error kinds. Reverts,
// insufficient funds and signer problems are permanent; everything else is
// treated as transient network failure and retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return errors.Join(lattica.ErrContractReverted, err)
	case strings.Contains(msg, "insufficient funds"):
		return errors.Join(lattica.ErrInsufficientFunds, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not authorized"):
		return errors.Join(lattica.ErrUnauthorizedSigner, err)
	default:
		return errors.Join(lattica.ErrNetworkTransient, err)
	}
}

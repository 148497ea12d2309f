// Package checkpoint accounts for streamed tokens and drives proof-of-work
// checkpoints for one session.
//
// The engine observes token counts as responses stream in. Whenever the
// cumulative count crosses a multiple of the session's proof interval it asks
// the host, through a transport callback, to sign and submit a checkpoint
// on-chain; deltas below the client-side minimum are merged into the next
// crossing. Ending the session forces a final submission padded up to the
// minimum if needed, and the padding is surfaced rather than hidden.
//
// After each host notice the engine reconciles against on-chain state with a
// bounded number of re-reads; a cumulative count that never advances
// surfaces as CheckpointNotAccepted.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/contract"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/storage"
)

const (
	// MinCheckpointTokens is the client-side floor for one checkpoint delta.
	MinCheckpointTokens = 100

	// DefaultReadRetries bounds on-chain re-reads during reconciliation.
	DefaultReadRetries = 5

	// DefaultReadDelay separates reconciliation re-reads.
	DefaultReadDelay = 2 * time.Second
)

// RequestFunc asks the host to sign and submit a checkpoint at the given
// cumulative token count. The transport's RequestCheckpoint satisfies it.
type RequestFunc func(ctx context.Context, cumulativeTokens uint64) error

// Settlement is the cost split computed on the final token count. The
// marketplace pays the host 90% and the treasury 10%.
type Settlement struct {
	TotalCost      uint64 `json:"total_cost"`
	HostAmount     uint64 `json:"host_amount"`
	TreasuryAmount uint64 `json:"treasury_amount"`
}

// Preview computes the settlement split for a token count at a price.
func Preview(cumulativeTokens, pricePerToken uint64) Settlement {
	total := cumulativeTokens * pricePerToken
	treasury := total / 10
	return Settlement{
		TotalCost:      total,
		HostAmount:     total - treasury,
		TreasuryAmount: treasury,
	}
}

// FinalResult reports the forced submission at session end. PaddedTokens is
// non-zero when the last delta had to be raised to the minimum, meaning the
// on-chain claim exceeds the tokens actually produced.
type FinalResult struct {
	CumulativeTokens uint64 `json:"cumulative_tokens"`
	PaddedTokens     uint64 `json:"padded_tokens"`
	Settlement       Settlement
}

// Options configures an Engine.
type Options struct {
	ReadRetries int
	ReadDelay   time.Duration
	Logger      slogger.Logger
}

// Engine tracks one session's token accounting. Submissions for the session
// are serialized by the engine's lock.
type Engine struct {
	sessionID     string
	proofInterval uint64
	pricePerToken uint64
	facade        contract.Facade
	request       RequestFunc
	store         storage.Facade // may be nil; local checkpoint mirror
	readRetries   int
	readDelay     time.Duration
	logger        slogger.Logger

	mu            sync.Mutex
	total         uint64 // tokens observed from the stream
	lastRequested uint64 // cumulative covered by requested checkpoints
	lastOnChain   uint64 // cumulative confirmed on-chain
	recordCount   int
	finalized     bool
}

// New creates an engine for one session.
func New(sessionID string, proofInterval, pricePerToken uint64, facade contract.Facade, request RequestFunc, store storage.Facade, opts Options) (*Engine, error) {
	if sessionID == "" || proofInterval == 0 || pricePerToken == 0 {
		return nil, fmt.Errorf("%w: checkpoint engine needs session, interval and price", lattica.ErrInvalidConfig)
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = DefaultReadRetries
	}
	if opts.ReadDelay <= 0 {
		opts.ReadDelay = DefaultReadDelay
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Engine{
		sessionID:     sessionID,
		proofInterval: proofInterval,
		pricePerToken: pricePerToken,
		facade:        facade,
		request:       request,
		store:         store,
		readRetries:   opts.ReadRetries,
		readDelay:     opts.ReadDelay,
		logger:        opts.Logger,
	}, nil
}

// Seed warm-starts the account from on-chain state when a session resumes.
// Tokens already covered by accepted checkpoints are neither re-counted nor
// re-claimed.
func (e *Engine) Seed(cumulativeTokens uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cumulativeTokens > e.total {
		e.total = cumulativeTokens
	}
	if cumulativeTokens > e.lastRequested {
		e.lastRequested = cumulativeTokens
	}
	if cumulativeTokens > e.lastOnChain {
		e.lastOnChain = cumulativeTokens
	}
}

// CumulativeTokens returns the tokens observed so far.
func (e *Engine) CumulativeTokens() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Observe feeds streamed tokens into the account. When the cumulative count
// crosses a proof-interval boundary and the uncovered delta has reached the
// minimum, a checkpoint is requested; smaller deltas are merged into the
// next crossing.
func (e *Engine) Observe(ctx context.Context, tokens uint64) error {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", lattica.ErrSessionAlreadyClosed, e.sessionID)
	}
	e.total += tokens
	crossed := e.total/e.proofInterval > e.lastRequested/e.proofInterval
	delta := e.total - e.lastRequested
	if !crossed || delta < MinCheckpointTokens {
		if crossed {
			e.logger.Debug("checkpoint delta below minimum, merging",
				"session_id", e.sessionID, "delta", delta)
		}
		e.mu.Unlock()
		return nil
	}
	cumulative := e.total
	e.lastRequested = cumulative
	e.mu.Unlock()

	e.logger.Info("requesting checkpoint", "session_id", e.sessionID,
		"cumulative_tokens", cumulative, "delta_tokens", delta)
	if err := e.request(ctx, cumulative); err != nil {
		// The interval will come around again; roll back the coverage mark.
		e.mu.Lock()
		if e.lastRequested == cumulative {
			e.lastRequested = cumulative - delta
		}
		e.mu.Unlock()
		return fmt.Errorf("request checkpoint: %w", err)
	}
	return nil
}

// Finalize forces the session's last checkpoint. A remaining delta below the
// minimum is padded up to it; the padding is returned and logged, since the
// on-chain claim then exceeds the tokens actually produced. With no tokens
// at all there is nothing to claim and no submission happens.
func (e *Engine) Finalize(ctx context.Context) (*FinalResult, error) {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionAlreadyClosed, e.sessionID)
	}
	e.finalized = true
	delta := e.total - e.lastRequested
	var padded uint64
	if delta > 0 && delta < MinCheckpointTokens {
		padded = MinCheckpointTokens - delta
		e.total += padded
		delta = MinCheckpointTokens
	}
	cumulative := e.total
	e.lastRequested = cumulative
	e.mu.Unlock()

	result := &FinalResult{
		CumulativeTokens: cumulative,
		PaddedTokens:     padded,
		Settlement:       Preview(cumulative, e.pricePerToken),
	}
	if delta == 0 {
		return result, nil
	}
	if padded > 0 {
		e.logger.Warn("final checkpoint padded to minimum",
			"session_id", e.sessionID, "padded_tokens", padded)
	}
	if err := e.request(ctx, cumulative); err != nil {
		return nil, fmt.Errorf("request final checkpoint: %w", err)
	}
	return result, nil
}

// HandleNotice processes a host checkpoint notice: the local mirror is
// updated and the on-chain count reconciled.
func (e *Engine) HandleNotice(ctx context.Context, cumulativeTokens uint64, proofCID string) error {
	e.mu.Lock()
	if cumulativeTokens > e.lastRequested {
		// Host-autonomous checkpoint; accept its coverage.
		e.lastRequested = cumulativeTokens
		if cumulativeTokens > e.total {
			e.total = cumulativeTokens
		}
	}
	index := e.recordCount
	e.recordCount++
	e.mu.Unlock()

	if e.store != nil {
		rec := &lattica.CheckpointRecord{
			SessionID:        e.sessionID,
			CumulativeTokens: cumulativeTokens,
			ProofCID:         proofCID,
			SubmittedAt:      time.Now().UTC(),
		}
		encoded, err := json.Marshal(rec)
		if err == nil {
			err = e.store.Put(ctx, recordPath(e.sessionID, index), encoded)
		}
		if err != nil {
			e.logger.Warn("persisting checkpoint mirror failed",
				"session_id", e.sessionID, "error", err)
		}
	}
	return e.Reconcile(ctx, cumulativeTokens)
}

// Reconcile reads the on-chain token count until it reaches the expected
// cumulative value, bounded by the configured retries. A count that never
// advances is a checkpoint the chain did not accept.
func (e *Engine) Reconcile(ctx context.Context, expected uint64) error {
	var lastSeen uint64
	for attempt := 0; attempt < e.readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.readDelay):
			}
		}
		status, err := e.facade.GetJobStatus(ctx, e.sessionID)
		if err != nil {
			if lattica.Transient(err) {
				continue
			}
			return err
		}
		lastSeen = status.TokensUsed
		if status.TokensUsed >= expected {
			e.mu.Lock()
			if status.TokensUsed > e.lastOnChain {
				e.lastOnChain = status.TokensUsed
			}
			e.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: on-chain count stuck at %d, expected %d",
		lattica.ErrCheckpointNotAccepted, lastSeen, expected)
}

// OnChainTokens returns the last reconciled on-chain cumulative count.
func (e *Engine) OnChainTokens() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOnChain
}

func recordPath(sessionID string, index int) string {
	return fmt.Sprintf("checkpoints/%s/%06d", sessionID, index)
}

// LoadRecords returns the locally mirrored checkpoint records for a session.
func LoadRecords(ctx context.Context, store storage.Facade, sessionID string) ([]*lattica.CheckpointRecord, error) {
	paths, err := store.List(ctx, "checkpoints/"+sessionID+"/")
	if err != nil {
		return nil, err
	}
	records := make([]*lattica.CheckpointRecord, 0, len(paths))
	for _, p := range paths {
		raw, ok, err := store.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec lattica.CheckpointRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint record at %s: %w", p, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

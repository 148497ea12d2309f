package contract

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/latticanet/lattica"
)

// Fake is an in-memory marketplace with the same settlement semantics as the
// chain contract. It backs the checkpoint and coordinator tests.
type Fake struct {
	mu      sync.Mutex
	chainID uint64
	jobs    map[string]*fakeJob
	hosts   []*lattica.Host
	txSeq   int

	// HostBalance and TreasuryBalance accumulate the 90/10 settlement split
	// on CompleteSession and are zeroed by the withdraw calls.
	HostBalance     uint64
	TreasuryBalance uint64

	// DropCheckpoints makes SubmitCheckpoint return a tx hash without
	// advancing tokensUsed, to exercise reconciliation failure.
	DropCheckpoints bool

	// failNext holds one-shot injected errors keyed by method name.
	failNext map[string]error
}

type fakeJob struct {
	status      JobStatus
	price       uint64
	deposit     uint64
	checkpoints []*lattica.CheckpointRecord
}

// NewFake creates an empty fake marketplace for the given chain.
func NewFake(chainID uint64) *Fake {
	return &Fake{
		chainID:  chainID,
		jobs:     make(map[string]*fakeJob),
		failNext: make(map[string]error),
	}
}

func (f *Fake) ChainID() uint64 { return f.chainID }

// AddHost registers a host returned by DiscoverActiveHostsWithModels.
func (f *Fake) AddHost(h *lattica.Host) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, h.Copy())
}

// FailNext injects an error returned by the next call to the named method.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = err
}

func (f *Fake) takeInjected(method string) error {
	if err, ok := f.failNext[method]; ok {
		delete(f.failNext, method)
		return err
	}
	return nil
}

func (f *Fake) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("0x%064x", f.txSeq)
}

func (f *Fake) CreateSessionJob(ctx context.Context, params CreateJobParams) (*CreateJobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("CreateSessionJob"); err != nil {
		return nil, err
	}
	if params.Deposit == 0 || params.PricePerToken == 0 {
		return nil, fmt.Errorf("%w: deposit and price must be positive", lattica.ErrInvalidConfig)
	}
	sessionID := uuid.New().String()
	f.jobs[sessionID] = &fakeJob{
		status:  JobStatus{SessionID: sessionID, State: JobActive},
		price:   params.PricePerToken,
		deposit: params.Deposit,
	}
	return &CreateJobResult{SessionID: sessionID, JobID: sessionID, TxHash: f.nextTx()}, nil
}

func (f *Fake) GetJobStatus(ctx context.Context, sessionID string) (*JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("GetJobStatus"); err != nil {
		return nil, err
	}
	job, ok := f.jobs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	status := job.status
	return &status, nil
}

func (f *Fake) SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature []byte, proofCID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("SubmitCheckpoint"); err != nil {
		return "", err
	}
	job, ok := f.jobs[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	if job.status.State == JobCompleted {
		return "", fmt.Errorf("%w: %s", lattica.ErrSessionAlreadyClosed, sessionID)
	}
	tx := f.nextTx()
	if f.DropCheckpoints {
		return tx, nil
	}
	job.status.TokensUsed += deltaTokens
	job.status.Accumulated = job.status.TokensUsed * job.price
	job.checkpoints = append(job.checkpoints, &lattica.CheckpointRecord{
		SessionID:        sessionID,
		CumulativeTokens: job.status.TokensUsed,
		DeltaTokens:      deltaTokens,
		ProofHash:        proofHash,
		ProofHashHex:     common.Hash(proofHash).Hex(),
		Signature:        append([]byte(nil), signature...),
		SignatureHex:     common.Bytes2Hex(signature),
		ProofCID:         proofCID,
		SubmittedAt:      time.Now(),
		OnChainTxHash:    tx,
		VerifiedOnChain:  true,
	})
	return tx, nil
}

func (f *Fake) CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("CompleteSession"); err != nil {
		return "", err
	}
	job, ok := f.jobs[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	if job.status.State == JobCompleted {
		return "", fmt.Errorf("%w: %s", lattica.ErrSessionAlreadyClosed, sessionID)
	}
	job.status.State = JobCompleted
	if finalTokens > job.status.TokensUsed {
		job.status.TokensUsed = finalTokens
	}
	total := job.status.TokensUsed * job.price
	job.status.Accumulated = total
	f.TreasuryBalance += total / 10
	f.HostBalance += total - total/10
	return f.nextTx(), nil
}

func (f *Fake) HostWithdraw(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("HostWithdraw"); err != nil {
		return "", err
	}
	f.HostBalance = 0
	return f.nextTx(), nil
}

func (f *Fake) TreasuryWithdraw(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("TreasuryWithdraw"); err != nil {
		return "", err
	}
	f.TreasuryBalance = 0
	return f.nextTx(), nil
}

func (f *Fake) DiscoverActiveHostsWithModels(ctx context.Context) ([]*lattica.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("DiscoverActiveHostsWithModels"); err != nil {
		return nil, err
	}
	hosts := make([]*lattica.Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		hosts = append(hosts, h.Copy())
	}
	return hosts, nil
}

func (f *Fake) GetCheckpoints(ctx context.Context, sessionID string) ([]*lattica.CheckpointRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeInjected("GetCheckpoints"); err != nil {
		return nil, err
	}
	job, ok := f.jobs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	records := make([]*lattica.CheckpointRecord, len(job.checkpoints))
	copy(records, job.checkpoints)
	return records, nil
}

var _ Facade = (*Fake)(nil)
var _ Facade = (*Client)(nil)

// Package coordinator owns the session lifecycle and ties the other
// components together: funding through the contract facade, the streaming
// transport, conversation persistence, checkpoint accounting and RAG
// assembly.
//
// Sessions move strictly forward through
// Created → Funded → TransportOpen → Active → ClosingPendingHost → Settled,
// with Failed terminal and reachable from anywhere. Each session is held
// under its own lock so prompts, close and recovery never interleave.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/checkpoint"
	"github.com/latticanet/lattica/contract"
	"github.com/latticanet/lattica/conversation"
	"github.com/latticanet/lattica/discovery"
	"github.com/latticanet/lattica/rag"
	"github.com/latticanet/lattica/selector"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/storage"
	"github.com/latticanet/lattica/transport"
	"github.com/latticanet/lattica/vector"
	"github.com/latticanet/lattica/wallet"
)

// Transport is the slice of the streaming channel the coordinator drives.
// *transport.Transport satisfies it; tests substitute fakes.
type Transport interface {
	SendPrompt(ctx context.Context, content string, metadata map[string]any) (*transport.PromptResult, error)
	EmbedText(ctx context.Context, text string, kind transport.EmbedKind) ([]float64, error)
	SearchVectors(ctx context.Context, queryVector []float64, topK int, threshold float64) ([]lattica.VectorHit, error)
	UploadVectors(ctx context.Context, chunks []*lattica.VectorChunk) (*transport.UploadResult, error)
	RequestCheckpoint(ctx context.Context, cumulativeTokens uint64) error
	EndSession(ctx context.Context, totalTokens uint64) error
	OnCheckpointNotice(fn func(transport.CheckpointNotice))
	OnDisconnect(fn func(error))
	Close() error
}

// Opener dials a host endpoint. The default wraps transport.Open.
type Opener func(ctx context.Context, endpoint string, opts transport.Options) (Transport, error)

func defaultOpener(ctx context.Context, endpoint string, opts transport.Options) (Transport, error) {
	return transport.Open(ctx, endpoint, opts)
}

const (
	// DefaultSettleTimeout bounds the wait for the host's on-chain
	// completeSession after session_end.
	DefaultSettleTimeout = 2 * time.Minute

	settlePollInterval = 2 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	Discovery *discovery.Service
	Selector  *selector.Selector
	Opener    Opener

	// TokenProvider supplies the transport bearer token per session; also
	// used as the refresh function. Optional.
	TokenProvider func(ctx context.Context, sessionID string) (string, error)

	SettleTimeout time.Duration
	Logger        slogger.Logger
}

// Coordinator orchestrates sessions for one identity.
type Coordinator struct {
	wallet        wallet.Wallet
	facade        contract.Facade
	store         storage.Facade
	conversations *conversation.Store
	vectors       *vector.Store
	disc          *discovery.Service
	sel           *selector.Selector
	opener        Opener
	tokenProvider func(ctx context.Context, sessionID string) (string, error)
	settleTimeout time.Duration
	validate      *validator.Validate
	logger        slogger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu        sync.Mutex
	record    *lattica.Session
	transport Transport
	engine    *checkpoint.Engine
	pipeline  *rag.Pipeline
}

// Handle refers to one live session.
type Handle struct {
	SessionID string
	c         *Coordinator
}

// PromptOptions tune one SendPrompt call.
type PromptOptions struct {
	UseRAG    bool
	TopK      int
	Threshold float64
}

// PromptOutcome is the resolved result of one prompt turn.
type PromptOutcome struct {
	Response      string         `json:"response"`
	TokensUsed    uint64         `json:"tokens_used"`
	WebSearchMeta map[string]any `json:"web_search_meta,omitempty"`
}

// Recovery is the result of RecoverFromCheckpoints.
type Recovery struct {
	Messages    []*lattica.Message          `json:"messages"`
	Checkpoints []*lattica.CheckpointRecord `json:"checkpoints"`
	TokenCount  uint64                      `json:"token_count"`
}

// New creates a coordinator over an identity's wallet, marketplace facade
// and storage.
func New(w wallet.Wallet, facade contract.Facade, store storage.Facade, opts Options) (*Coordinator, error) {
	if w == nil || facade == nil || store == nil {
		return nil, fmt.Errorf("%w: coordinator needs wallet, facade and storage", lattica.ErrInvalidConfig)
	}
	if opts.Opener == nil {
		opts.Opener = defaultOpener
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Coordinator{
		wallet:        w,
		facade:        facade,
		store:         store,
		conversations: conversation.New(store, opts.Logger),
		vectors:       vector.New(store, opts.Logger),
		disc:          opts.Discovery,
		sel:           opts.Selector,
		opener:        opts.Opener,
		tokenProvider: opts.TokenProvider,
		settleTimeout: opts.SettleTimeout,
		validate:      validator.New(),
		logger:        opts.Logger,
		sessions:      make(map[string]*session),
	}, nil
}

// Conversations exposes the underlying conversation store (export, deletion).
func (c *Coordinator) Conversations() *conversation.Store {
	return c.conversations
}

func sessionPath(sessionID string) string {
	return "sessions/" + sessionID
}

// StartSession funds a new job, opens the transport against the chosen host
// and returns a handle in TransportOpen state.
func (c *Coordinator) StartSession(ctx context.Context, config lattica.SessionConfig) (*Handle, error) {
	if err := c.validate.Struct(config); err != nil {
		return nil, fmt.Errorf("%w: %v", lattica.ErrInvalidConfig, err)
	}
	if config.ChainID != c.facade.ChainID() {
		return nil, fmt.Errorf("%w: config chain %d, facade chain %d",
			lattica.ErrInvalidConfig, config.ChainID, c.facade.ChainID())
	}

	host, err := c.resolveHost(ctx, config)
	if err != nil {
		return nil, err
	}

	record := &lattica.Session{
		UserAddress:   c.wallet.Address().Hex(),
		HostID:        host.ID,
		HostEndpoint:  host.URL,
		Model:         config.Model,
		PricePerToken: config.PricePerToken,
		DepositAmount: config.DepositAmount,
		ProofInterval: config.ProofInterval,
		Duration:      config.Duration,
		ChainID:       config.ChainID,
		State:         lattica.StateCreated,
		StartedAt:     time.Now().UTC(),
	}

	res, err := c.facade.CreateSessionJob(ctx, contract.CreateJobParams{
		HostAddress:   host.ID,
		PaymentToken:  config.PaymentToken,
		Deposit:       config.DepositAmount,
		PricePerToken: config.PricePerToken,
		Duration:      config.Duration,
		ProofInterval: config.ProofInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("create session job: %w", err)
	}
	record.SessionID = res.SessionID
	record.JobID = res.JobID
	record.State = lattica.StateFunded

	if err := c.conversations.InitSession(ctx, record.SessionID, config.Model, host.ID); err != nil {
		return nil, err
	}

	s := &session{record: record}
	c.mu.Lock()
	c.sessions[record.SessionID] = s
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.openTransport(ctx, s, nil); err != nil {
		c.failLocked(ctx, s, err)
		return nil, err
	}
	if err := c.persistLocked(ctx, s); err != nil {
		return nil, err
	}
	c.logger.Info("session started", "session_id", record.SessionID,
		"host_id", host.ID, "model", config.Model)
	return &Handle{SessionID: record.SessionID, c: c}, nil
}

// resolveHost uses the explicit endpoint when configured, otherwise asks
// discovery and the selector for a host serving the model.
func (c *Coordinator) resolveHost(ctx context.Context, config lattica.SessionConfig) (*lattica.Host, error) {
	if config.HostEndpoint != "" {
		return &lattica.Host{ID: config.HostID, URL: config.HostEndpoint, Models: []string{config.Model}}, nil
	}
	if c.disc == nil || c.sel == nil {
		return nil, fmt.Errorf("%w: no host endpoint and no discovery configured", lattica.ErrInvalidConfig)
	}
	hosts, err := c.disc.DiscoverAll(ctx, &discovery.Filter{Model: config.Model}, nil)
	if err != nil {
		return nil, err
	}
	candidates := selector.FilterByRequirements(hosts, selector.Requirements{Models: []string{config.Model}})
	return c.sel.Select(candidates, selector.StrategyComposite, selector.Weights{Price: 0.5, Latency: 0.3, Reliability: 0.2})
}

// openTransport dials the session's host and wires the checkpoint engine.
// resume carries full history for session_resume; nil means session_init.
func (c *Coordinator) openTransport(ctx context.Context, s *session, resume []*lattica.Message) error {
	record := s.record
	opts := transport.Options{
		SessionID: record.SessionID,
		JobID:     record.JobID,
		Model:     &transport.ModelConfig{Model: record.Model},
		Resume:    resume,
		Compress:  true,
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx, record.SessionID)
		if err != nil {
			return err
		}
		opts.Token = token
		opts.Refresh = func(ctx context.Context) (string, error) {
			return c.tokenProvider(ctx, record.SessionID)
		}
	}

	tr, err := c.opener(ctx, record.HostEndpoint, opts)
	if err != nil {
		return err
	}

	engine := s.engine
	if engine == nil {
		engine, err = checkpoint.New(record.SessionID, record.ProofInterval, record.PricePerToken,
			c.facade, c.requestCheckpoint(s), c.store, checkpoint.Options{Logger: c.logger})
		if err != nil {
			tr.Close()
			return err
		}
		s.engine = engine
	}

	s.transport = tr
	s.pipeline = nil // rebind RAG to the new transport lazily
	tr.OnCheckpointNotice(func(n transport.CheckpointNotice) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := engine.HandleNotice(ctx, n.CumulativeTokens, n.ProofCID); err != nil {
				c.logger.Warn("checkpoint reconciliation failed",
					"session_id", record.SessionID, "error", err)
			}
		}()
	})
	tr.OnDisconnect(func(err error) {
		c.logger.Warn("session transport dropped", "session_id", record.SessionID, "error", err)
		s.mu.Lock()
		if s.transport == tr {
			s.transport = nil
		}
		s.mu.Unlock()
	})

	if !record.State.CanTransition(lattica.StateTransportOpen) {
		tr.Close()
		return fmt.Errorf("%w: cannot open transport from %s", lattica.ErrSessionAlreadyClosed, record.State)
	}
	record.State = lattica.StateTransportOpen
	return nil
}

// requestCheckpoint bridges the engine to the session's current transport.
func (c *Coordinator) requestCheckpoint(s *session) checkpoint.RequestFunc {
	return func(ctx context.Context, cumulative uint64) error {
		if s.transport == nil {
			return lattica.ErrTransportDropped
		}
		return s.transport.RequestCheckpoint(ctx, cumulative)
	}
}

// ResumeSession reloads a persisted session, opens a transport with the full
// conversation history, and returns a handle. The endpoint may point at a
// replacement host discovered by the caller.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID string) (*Handle, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		record, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s = &session{record: record}
		c.mu.Lock()
		c.sessions[sessionID] = s
		c.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", lattica.ErrSessionAlreadyClosed, sessionID, s.record.State)
	}
	if s.transport != nil {
		return &Handle{SessionID: sessionID, c: c}, nil
	}

	// The host decides truncation; the client always sends everything.
	history, err := c.conversations.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []*lattica.Message{}
	}

	// Re-funding isn't needed; rewind the state machine to re-open.
	if s.record.State == lattica.StateActive || s.record.State == lattica.StateTransportOpen {
		s.record.State = lattica.StateFunded
	}
	if err := c.openTransport(ctx, s, history); err != nil {
		return nil, err
	}
	if s.engine != nil {
		if status, err := c.facade.GetJobStatus(ctx, sessionID); err == nil {
			s.engine.Seed(status.TokensUsed)
		}
	}
	if err := c.persistLocked(ctx, s); err != nil {
		return nil, err
	}
	c.logger.Info("session resumed", "session_id", sessionID, "history", len(history))
	return &Handle{SessionID: sessionID, c: c}, nil
}

// SendPrompt runs one turn: optional RAG assembly, transmission, token
// accounting and conversation persistence.
func (c *Coordinator) SendPrompt(ctx context.Context, h *Handle, text string, opts PromptOptions) (*PromptOutcome, error) {
	s, err := c.session(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record
	if record.State.Terminal() || record.State == lattica.StateClosingPendingHost {
		return nil, fmt.Errorf("%w: %s is %s", lattica.ErrSessionAlreadyClosed, record.SessionID, record.State)
	}
	if record.State != lattica.StateTransportOpen && record.State != lattica.StateActive {
		return nil, fmt.Errorf("%w: prompt in state %s", lattica.ErrSessionNotFound, record.State)
	}
	if s.transport == nil {
		return nil, fmt.Errorf("%w: resume the session first", lattica.ErrTransportDropped)
	}
	if record.Duration > 0 && time.Since(record.StartedAt) > time.Duration(record.Duration)*time.Second {
		err := fmt.Errorf("%w: session exceeded its %ds duration", lattica.ErrSessionAlreadyClosed, record.Duration)
		c.failLocked(ctx, s, err)
		return nil, err
	}

	outgoing := text
	if opts.UseRAG {
		if n, err := c.vectors.Count(ctx, record.SessionID); err == nil && n > 0 {
			pipeline := c.pipelineLocked(s)
			hits, err := pipeline.Query(ctx, text, opts.TopK, opts.Threshold)
			if err != nil {
				return nil, err
			}
			outgoing = rag.BuildPrompt(hits, text)
		}
	}

	userMsg := &lattica.Message{
		ID:          uuid.NewString(),
		Role:        lattica.RoleUser,
		Content:     text,
		TimestampMs: time.Now().UnixMilli(),
	}
	if _, err := c.conversations.Append(ctx, record.SessionID, userMsg); err != nil {
		return nil, err
	}

	result, err := s.transport.SendPrompt(ctx, outgoing, nil)
	if err != nil {
		if !lattica.Transient(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.failLocked(ctx, s, err)
		}
		return nil, err
	}

	if err := s.engine.Observe(ctx, result.TokensUsed); err != nil {
		c.logger.Warn("checkpoint accounting failed", "session_id", record.SessionID, "error", err)
	}

	assistantMsg := &lattica.Message{
		ID:          uuid.NewString(),
		Role:        lattica.RoleAssistant,
		Content:     result.Content,
		TimestampMs: time.Now().UnixMilli(),
		Tokens:      int64(result.TokensUsed),
	}
	if _, err := c.conversations.Append(ctx, record.SessionID, assistantMsg); err != nil {
		return nil, err
	}

	if record.State == lattica.StateTransportOpen {
		record.State = lattica.StateActive
		if err := c.persistLocked(ctx, s); err != nil {
			return nil, err
		}
	}
	return &PromptOutcome{
		Response:      result.Content,
		TokensUsed:    result.TokensUsed,
		WebSearchMeta: result.Meta,
	}, nil
}

// Ingest adds a document to the session's RAG index.
func (c *Coordinator) Ingest(ctx context.Context, h *Handle, doc rag.Document, onProgress func(rag.Progress)) ([]*lattica.VectorChunk, error) {
	s, err := c.session(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil, fmt.Errorf("%w: resume the session first", lattica.ErrTransportDropped)
	}
	pipeline := c.pipelineLocked(s)
	if onProgress != nil {
		scoped, err := rag.New(s.record.SessionID, s.transport, c.vectors, rag.Options{
			OnProgress: onProgress,
			Logger:     c.logger,
		})
		if err != nil {
			return nil, err
		}
		pipeline = scoped
	}
	return pipeline.Ingest(ctx, doc)
}

func (c *Coordinator) pipelineLocked(s *session) *rag.Pipeline {
	if s.pipeline == nil {
		s.pipeline, _ = rag.New(s.record.SessionID, s.transport, c.vectors, rag.Options{Logger: c.logger})
	}
	return s.pipeline
}

// EndSession forces the final checkpoint, tells the host to settle, and
// waits for the on-chain completion. The returned result surfaces any
// padding applied to reach the minimum checkpoint size.
func (c *Coordinator) EndSession(ctx context.Context, h *Handle) (*checkpoint.FinalResult, error) {
	s, err := c.session(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record
	if record.State.Terminal() || record.State == lattica.StateClosingPendingHost {
		return nil, fmt.Errorf("%w: %s is %s", lattica.ErrSessionAlreadyClosed, record.SessionID, record.State)
	}
	if record.State != lattica.StateActive && record.State != lattica.StateTransportOpen {
		return nil, fmt.Errorf("%w: end in state %s", lattica.ErrSessionAlreadyClosed, record.State)
	}
	// A session that never went Active still walks the machine forward.
	if record.State == lattica.StateTransportOpen {
		record.State = lattica.StateActive
	}

	final, err := s.engine.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	if s.transport != nil {
		if err := s.transport.EndSession(ctx, final.CumulativeTokens); err != nil {
			c.logger.Warn("session_end delivery failed", "session_id", record.SessionID, "error", err)
		}
	}
	record.State = lattica.StateClosingPendingHost
	if err := c.persistLocked(ctx, s); err != nil {
		return nil, err
	}
	if final.PaddedTokens > 0 {
		c.logger.Warn("final claim padded beyond produced tokens",
			"session_id", record.SessionID, "padded_tokens", final.PaddedTokens)
	}

	if err := c.waitSettled(ctx, record.SessionID); err != nil {
		return final, err
	}
	record.State = lattica.StateSettled
	record.EndedAt = time.Now().UTC()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	if err := c.persistLocked(ctx, s); err != nil {
		return final, err
	}
	c.logger.Info("session settled", "session_id", record.SessionID,
		"total_tokens", final.CumulativeTokens, "host_amount", final.Settlement.HostAmount)
	return final, nil
}

// waitSettled polls until the host's completeSession lands on-chain.
func (c *Coordinator) waitSettled(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()
	for {
		status, err := c.facade.GetJobStatus(ctx, sessionID)
		if err == nil && status.State == contract.JobCompleted {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: host has not settled %s", lattica.ErrNetworkTransient, sessionID)
		case <-time.After(settlePollInterval):
		}
	}
}

// RecoverFromCheckpoints rebuilds a session's verified state from on-chain
// records: each checkpoint's proof payload is fetched by its CID and its
// hash compared against the on-chain commitment. The token count is the
// highest cumulative value that verified.
func (c *Coordinator) RecoverFromCheckpoints(ctx context.Context, sessionID string) (*Recovery, error) {
	records, err := c.facade.GetCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var tokenCount uint64
	for _, rec := range records {
		payload, ok, err := c.store.Get(ctx, rec.ProofCID)
		if err != nil {
			return nil, fmt.Errorf("%w: proof %s: %v", lattica.ErrDeltaFetchFailed, rec.ProofCID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: proof %s not found", lattica.ErrDeltaFetchFailed, rec.ProofCID)
		}
		if [32]byte(crypto.Keccak256Hash(payload)) != rec.ProofHash {
			return nil, fmt.Errorf("%w: checkpoint at %d tokens", lattica.ErrProofHashMismatch, rec.CumulativeTokens)
		}
		rec.VerifiedOnChain = true
		if rec.CumulativeTokens > tokenCount {
			tokenCount = rec.CumulativeTokens
		}
	}

	messages, err := c.conversations.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Recovery{Messages: messages, Checkpoints: records, TokenCount: tokenCount}, nil
}

// State returns the session's lifecycle state.
func (c *Coordinator) State(h *Handle) (lattica.SessionState, error) {
	s, err := c.session(h)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.State, nil
}

// Cancel transitions a session to Failed and closes its transport. The
// on-chain funds lock stays under contract control.
func (c *Coordinator) Cancel(ctx context.Context, h *Handle, reason error) error {
	s, err := c.session(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.State.Terminal() {
		return fmt.Errorf("%w: %s", lattica.ErrSessionAlreadyClosed, s.record.SessionID)
	}
	c.failLocked(ctx, s, reason)
	return nil
}

func (c *Coordinator) failLocked(ctx context.Context, s *session, cause error) {
	s.record.State = lattica.StateFailed
	s.record.EndedAt = time.Now().UTC()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	if err := c.persistLocked(ctx, s); err != nil {
		c.logger.Error("persisting failed session", "session_id", s.record.SessionID, "error", err)
	}
	c.logger.Warn("session failed", "session_id", s.record.SessionID, "cause", cause)
}

func (c *Coordinator) session(h *Handle) (*session, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", lattica.ErrSessionNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, h.SessionID)
	}
	return s, nil
}

func (c *Coordinator) persistLocked(ctx context.Context, s *session) error {
	encoded, err := json.Marshal(s.record)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, sessionPath(s.record.SessionID), encoded)
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID string) (*lattica.Session, error) {
	raw, ok, err := c.store.Get(ctx, sessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	var record lattica.Session
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt session record for %s: %w", sessionID, err)
	}
	return &record, nil
}

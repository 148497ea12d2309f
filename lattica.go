// Package lattica is the client SDK for the Lattica decentralized
// LLM-inference marketplace.
//
// A paying user contracts with one of many independently operated inference
// hosts to run a multi-turn conversation (or RAG-augmented query stream)
// against a large language model. Payment is escrowed by an on-chain job
// marketplace, work is proven by checkpoint receipts signed by the host, and
// conversation state lives in identity-scoped encrypted storage so that
// sessions survive host failures.
//
// The root package holds the shared data model and the typed error kinds.
// The orchestration itself lives in the subpackages:
//
//   - identity: deterministic identity-to-storage-seed derivation
//   - wallet: the signing capability consumed by the contract facade
//   - storage: identity-scoped encrypted key-value storage
//   - conversation: per-session append-only message logs
//   - vector: the client-side shard of per-session RAG vectors
//   - contract: the typed marketplace/proof/treasury facade
//   - discovery: multi-source host discovery with caching and statistics
//   - selector: host filtering, ranking and load balancing
//   - transport: the duplex streaming inference channel
//   - checkpoint: token accounting and proof reconciliation
//   - rag: document ingestion and retrieval context assembly
//   - coordinator: the session lifecycle state machine tying it together
package lattica

import (
	"time"
)

// DiscoverySource identifies where a host observation came from.
type DiscoverySource string

const (
	SourceLocalMulticast DiscoverySource = "local_multicast"
	SourceDHT            DiscoverySource = "dht"
	SourceHTTPRegistry   DiscoverySource = "http_registry"
	SourceBootstrap      DiscoverySource = "bootstrap"
)

func (s DiscoverySource) String() string {
	return string(s)
}

// Host describes an inference provider. The ID is stable across discovery
// sources; observations of the same host from multiple sources are merged
// field-by-field with newer timestamps winning.
type Host struct {
	ID                  string          `json:"id"`
	URL                 string          `json:"url"`
	Models              []string        `json:"models"`
	PricePerTokenNative uint64          `json:"price_per_token_native"`
	PricePerTokenStable uint64          `json:"price_per_token_stable"`
	LatencyMs           int64           `json:"latency_ms,omitempty"` // -1 when unknown
	Region              string          `json:"region,omitempty"`
	Capabilities        []string        `json:"capabilities,omitempty"`
	ReliabilityScore    float64         `json:"reliability_score,omitempty"`
	Source              DiscoverySource `json:"source"`
	LastSeenAt          time.Time       `json:"last_seen_at"`
}

// HasModel reports whether the host advertises the given model.
func (h *Host) HasModel(model string) bool {
	for _, m := range h.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasCapability reports whether the host advertises the given capability.
func (h *Host) HasCapability(cap string) bool {
	for _, c := range h.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the host.
func (h *Host) Copy() *Host {
	cp := *h
	cp.Models = append([]string(nil), h.Models...)
	cp.Capabilities = append([]string(nil), h.Capabilities...)
	return &cp
}

// DiscoveryObservation is a single sighting of a host by one source.
type DiscoveryObservation struct {
	HostID     string          `json:"host_id"`
	Source     DiscoverySource `json:"source"`
	ObservedAt time.Time       `json:"observed_at"`
	Host       *Host           `json:"host"`
}

// Role indicates who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) String() string {
	return string(r)
}

// Message is one entry in a session's conversation log. Ordering is strictly
// monotonic by (TimestampMs, ID); the store assigns Index contiguously from 0.
type Message struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	TimestampMs   int64          `json:"timestamp_ms"`
	Tokens        int64          `json:"tokens,omitempty"`
	Index         int            `json:"index"`
	WebSearchMeta map[string]any `json:"web_search_meta,omitempty"`
}

// SessionState is the lifecycle state of a session. States advance only
// forward, except Failed which is terminal and reachable from any state.
type SessionState string

const (
	StateCreated            SessionState = "created"
	StateFunded             SessionState = "funded"
	StateTransportOpen      SessionState = "transport_open"
	StateActive             SessionState = "active"
	StateClosingPendingHost SessionState = "closing_pending_host"
	StateSettled            SessionState = "settled"
	StateFailed             SessionState = "failed"
)

func (s SessionState) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// sessionOrder maps states to their forward ordering. Failed is handled
// separately since it is reachable from anywhere.
var sessionOrder = map[SessionState]int{
	StateCreated:            0,
	StateFunded:             1,
	StateTransportOpen:      2,
	StateActive:             3,
	StateClosingPendingHost: 4,
	StateSettled:            5,
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s SessionState) CanTransition(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	from, ok1 := sessionOrder[s]
	to, ok2 := sessionOrder[next]
	return ok1 && ok2 && to == from+1
}

// Session is the client-side record of one paid conversation. The coordinator
// exclusively owns it; other components refer to it by SessionID only.
type Session struct {
	SessionID     string       `json:"session_id"`
	JobID         string       `json:"job_id"`
	UserAddress   string       `json:"user_address"`
	HostID        string       `json:"host_id"`
	HostEndpoint  string       `json:"host_endpoint"`
	Model         string       `json:"model"`
	PricePerToken uint64       `json:"price_per_token"`
	DepositAmount uint64       `json:"deposit_amount"`
	ProofInterval uint64       `json:"proof_interval"`
	Duration      uint64       `json:"duration"`
	ChainID       uint64       `json:"chain_id"`
	State         SessionState `json:"state"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at,omitempty"`
}

// SessionConfig enumerates exactly the knobs a caller may set when opening a
// session. There are no freeform keys.
type SessionConfig struct {
	DepositAmount uint64 `json:"deposit_amount" validate:"required,gt=0"`
	PricePerToken uint64 `json:"price_per_token" validate:"required,gt=0"`
	ProofInterval uint64 `json:"proof_interval" validate:"required,gte=100"`
	Duration      uint64 `json:"duration" validate:"required,gt=0"`
	PaymentToken  string `json:"payment_token"`
	ChainID       uint64 `json:"chain_id" validate:"required"`
	Model         string `json:"model" validate:"required"`
	HostID        string `json:"host_id"`
	HostEndpoint  string `json:"host_endpoint"`
	UseDeposit    bool   `json:"use_deposit"`
}

// CheckpointRecord is a host-signed token-usage claim, posted on-chain at
// token intervals. CumulativeTokens is strictly non-decreasing per session
// and each record's CumulativeTokens equals the prior record's plus
// DeltaTokens.
type CheckpointRecord struct {
	SessionID        string    `json:"session_id"`
	CumulativeTokens uint64    `json:"cumulative_tokens"`
	DeltaTokens      uint64    `json:"delta_tokens"`
	ProofHash        [32]byte  `json:"-"`
	ProofHashHex     string    `json:"proof_hash"`
	Signature        []byte    `json:"-"`
	SignatureHex     string    `json:"signature"`
	ProofCID         string    `json:"proof_cid"`
	SubmittedAt      time.Time `json:"submitted_at"`
	OnChainTxHash    string    `json:"onchain_tx_hash,omitempty"`
	VerifiedOnChain  bool      `json:"verified_onchain"`
}

// VectorChunk is one embedded slice of an ingested document. Embedding
// dimensionality is fixed per session at first upload.
type VectorChunk struct {
	ChunkID      string    `json:"chunk_id"`
	SessionID    string    `json:"session_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	DocumentType string    `json:"document_type"`
	Index        int       `json:"index"`
	StartOffset  int       `json:"start_offset"`
	EndOffset    int       `json:"end_offset"`
	Text         string    `json:"text"`
	Embedding    []float64 `json:"embedding,omitempty"`
}

// VectorHit is one ranked result of a host-side nearest-neighbor search.
type VectorHit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
}

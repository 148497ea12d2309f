package transport

import (
	"time"

	"github.com/latticanet/lattica"
)

// Message type tags of the inference wire protocol. Unknown types must be
// logged and ignored by both ends.
const (
	TypeSessionInit       = "session_init"
	TypeSessionResume     = "session_resume"
	TypePrompt            = "prompt"
	TypeResponse          = "response"
	TypeCheckpointNotice  = "checkpoint_notice"
	TypeCheckpointRequest = "checkpoint_request"
	TypeSearchVectors     = "search_vectors"
	TypeSearchResult      = "search_result"
	TypeEmbedText         = "embed_text"
	TypeEmbedResult       = "embed_result"
	TypeUploadVectors     = "upload_vectors"
	TypeUploadAck         = "upload_ack"
	TypeError             = "error"
	TypeSessionEnd        = "session_end"
)

// EmbedKind distinguishes query and document embeddings.
type EmbedKind string

const (
	EmbedQuery    EmbedKind = "query"
	EmbedDocument EmbedKind = "document"
)

// Message is the JSON envelope plus the union of all payload fields; unused
// fields are omitted on the wire.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix ms

	// session_init / session_resume
	JobID               string             `json:"job_id,omitempty"`
	ModelConfig         *ModelConfig       `json:"model_config,omitempty"`
	ConversationContext []*lattica.Message `json:"conversation_context,omitempty"`
	LastMessageIndex    int                `json:"last_message_index,omitempty"`

	// prompt / response
	Content      string           `json:"content,omitempty"`
	MessageIndex int              `json:"message_index,omitempty"`
	Streaming    bool             `json:"streaming,omitempty"`
	Compressed   bool             `json:"compressed,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	Prompts      []*BatchedPrompt `json:"prompts,omitempty"`
	TokensUsed   uint64           `json:"tokens_used,omitempty"`
	Done         bool             `json:"done,omitempty"`

	// signed mode
	Signature string `json:"signature,omitempty"` // hex
	Nonce     string `json:"nonce,omitempty"`

	// Token carries a rotated bearer token to the host mid-session.
	Token string `json:"token,omitempty"`

	// checkpoint_notice / checkpoint_request
	CumulativeTokens uint64 `json:"cumulative_tokens,omitempty"`
	ProofCID         string `json:"proof_cid,omitempty"`

	// vector operations
	QueryVector []float64              `json:"query_vector,omitempty"`
	TopK        int                    `json:"top_k,omitempty"`
	Threshold   float64                `json:"threshold,omitempty"`
	Hits        []lattica.VectorHit    `json:"hits,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Kind        EmbedKind              `json:"kind,omitempty"`
	Vector      []float64              `json:"vector,omitempty"`
	Vectors     []*lattica.VectorChunk `json:"vectors,omitempty"`
	Uploaded    int                    `json:"uploaded,omitempty"`
	Rejected    int                    `json:"rejected,omitempty"`
	Errors      []string               `json:"errors,omitempty"`

	// error
	Code         string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`

	// session_end
	TotalTokens uint64 `json:"total_tokens,omitempty"`
}

// ModelConfig is passed to the host on session_init.
type ModelConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// BatchedPrompt is one entry of a batched prompt message.
type BatchedPrompt struct {
	Content      string         `json:"content"`
	MessageIndex int            `json:"message_index"`
	Compressed   bool           `json:"compressed,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	Nonce        string         `json:"nonce,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
}

// StreamChunk is delivered to chunk observers as a streamed response arrives.
type StreamChunk struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
	Done      bool   `json:"done"`
}

// CheckpointNotice is the host's report of a submitted checkpoint.
type CheckpointNotice struct {
	SessionID        string `json:"session_id"`
	CumulativeTokens uint64 `json:"cumulative_tokens"`
	ProofCID         string `json:"proof_cid"`
}

// PromptResult resolves a SendPrompt once the terminal chunk arrives.
type PromptResult struct {
	Content    string         `json:"content"`
	TokensUsed uint64         `json:"tokens_used"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// UploadResult summarizes an upload_ack.
type UploadResult struct {
	Uploaded int      `json:"uploaded"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func newMessage(msgType, sessionID string) *Message {
	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

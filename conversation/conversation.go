// Package conversation stores per-session message logs in identity-scoped
// storage so that a session can be resumed from any device and survives host
// crashes.
//
// Layout under the identity root:
//
//	conversations/{sessionID}/manifest          session totals and model info
//	conversations/{sessionID}/messages/{index}  one JSON message per index
//	conversations/{sessionID}/ids/{messageID}   append idempotency markers
//
// Indices are gap-free and assigned contiguously from 0; Append is
// idempotent on the message ID.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/storage"
)

// Manifest summarizes one session's conversation.
type Manifest struct {
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	TotalTokens  int64     `json:"total_tokens"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExportFormat selects the Export rendering.
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatMarkdown ExportFormat = "markdown"
)

// Store is the conversation log layered on a storage facade.
type Store struct {
	storage storage.Facade
	logger  slogger.Logger

	// Appends for one session are serialized so indices stay contiguous.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a conversation store over the given facade.
func New(facade storage.Facade, logger slogger.Logger) *Store {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Store{
		storage: facade,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func manifestPath(sessionID string) string {
	return "conversations/" + sessionID + "/manifest"
}

func messagePath(sessionID string, index int) string {
	return fmt.Sprintf("conversations/%s/messages/%06d", sessionID, index)
}

func idPath(sessionID, messageID string) string {
	return "conversations/" + sessionID + "/ids/" + messageID
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// InitSession writes an empty manifest for a new session. Calling it for an
// existing session is a no-op.
func (s *Store) InitSession(ctx context.Context, sessionID, model, provider string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok, err := s.loadManifest(ctx, sessionID); err != nil {
		return err
	} else if ok {
		return nil
	}
	now := time.Now().UTC()
	return s.saveManifest(ctx, sessionID, &Manifest{
		Model:     model,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Append adds a message to the session log, assigning the next index. A
// message whose ID was already appended is skipped and its stored index
// returned.
func (s *Store) Append(ctx context.Context, sessionID string, msg *lattica.Message) (int, error) {
	if msg.ID == "" {
		return 0, fmt.Errorf("%w: message ID is required", lattica.ErrInvalidConfig)
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Idempotency on the message ID.
	if raw, ok, err := s.storage.Get(ctx, idPath(sessionID, msg.ID)); err != nil {
		return 0, err
	} else if ok {
		index, err := strconv.Atoi(string(raw))
		if err != nil {
			return 0, fmt.Errorf("corrupt id marker for %s: %w", msg.ID, err)
		}
		s.logger.Debug("duplicate append skipped", "session_id", sessionID, "message_id", msg.ID)
		return index, nil
	}

	manifest, ok, err := s.loadManifest(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !ok {
		now := time.Now().UTC()
		manifest = &Manifest{CreatedAt: now, UpdatedAt: now}
	}

	stored := *msg
	stored.SessionID = sessionID
	stored.Index = manifest.MessageCount
	if stored.TimestampMs == 0 {
		stored.TimestampMs = time.Now().UnixMilli()
	}

	encoded, err := json.Marshal(&stored)
	if err != nil {
		return 0, err
	}
	if err := s.storage.Put(ctx, messagePath(sessionID, stored.Index), encoded); err != nil {
		return 0, err
	}
	if err := s.storage.Put(ctx, idPath(sessionID, msg.ID), []byte(strconv.Itoa(stored.Index))); err != nil {
		return 0, err
	}

	manifest.MessageCount++
	manifest.TotalTokens += stored.Tokens
	manifest.UpdatedAt = time.Now().UTC()
	if err := s.saveManifest(ctx, sessionID, manifest); err != nil {
		return 0, err
	}
	return stored.Index, nil
}

// Load returns the session's messages in index order. An empty slice is
// returned for an unknown session.
func (s *Store) Load(ctx context.Context, sessionID string) ([]*lattica.Message, error) {
	prefix := "conversations/" + sessionID + "/messages/"
	paths, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	messages := make([]*lattica.Message, 0, len(paths))
	for _, p := range paths {
		raw, ok, err := s.storage.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var msg lattica.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("corrupt message at %s: %w", p, err)
		}
		messages = append(messages, &msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Index < messages[j].Index })

	for i, msg := range messages {
		if msg.Index != i {
			return nil, fmt.Errorf("conversation %s has a gap at index %d", sessionID, i)
		}
	}
	return messages, nil
}

// GetManifest returns the session manifest.
func (s *Store) GetManifest(ctx context.Context, sessionID string) (*Manifest, error) {
	manifest, ok, err := s.loadManifest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", lattica.ErrSessionNotFound, sessionID)
	}
	return manifest, nil
}

// Export renders the conversation as JSON or Markdown.
func (s *Store) Export(ctx context.Context, sessionID string, format ExportFormat) ([]byte, error) {
	messages, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(messages, "", "  ")
	case FormatMarkdown:
		manifest, _, err := s.loadManifest(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return renderMarkdown(sessionID, manifest, messages), nil
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", lattica.ErrInvalidConfig, format)
	}
}

// Delete removes the session's messages, markers and manifest.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	paths, err := s.storage.List(ctx, "conversations/"+sessionID+"/")
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := s.storage.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadManifest(ctx context.Context, sessionID string) (*Manifest, bool, error) {
	raw, ok, err := s.storage.Get(ctx, manifestPath(sessionID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, false, fmt.Errorf("corrupt manifest for %s: %w", sessionID, err)
	}
	return &manifest, true, nil
}

func (s *Store) saveManifest(ctx context.Context, sessionID string, manifest *Manifest) error {
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, manifestPath(sessionID), encoded)
}

func renderMarkdown(sessionID string, manifest *Manifest, messages []*lattica.Message) []byte {
	var sb strings.Builder
	sb.WriteString("# Conversation " + sessionID + "\n\n")
	if manifest != nil {
		fmt.Fprintf(&sb, "- Model: %s\n- Provider: %s\n- Total tokens: %d\n- Created: %s\n\n",
			manifest.Model, manifest.Provider, manifest.TotalTokens,
			manifest.CreatedAt.Format(time.RFC3339))
	}
	for _, msg := range messages {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", msg.Role, msg.Content)
	}
	return []byte(sb.String())
}

// Package vector keeps the client-side shard of a session's RAG vectors.
//
// The nearest-neighbor index itself is the host's responsibility; searches
// travel over the inference transport. The client retains chunk metadata
// under vectors/{sessionID}/{chunkID} so hits coming back from the host can
// be re-joined with their documents, and so a replacement host can be
// re-seeded after a crash.
//
// Embedding dimensionality is fixed per session by the first stored chunk;
// later chunks with a different dimension are rejected.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/storage"
)

// Store is the client-side vector shard over identity-scoped storage.
type Store struct {
	storage storage.Facade
	logger  slogger.Logger

	mu sync.Mutex // serializes dimension fixing per store
}

// New creates a vector store over the given facade.
func New(facade storage.Facade, logger slogger.Logger) *Store {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Store{storage: facade, logger: logger}
}

func chunkPath(sessionID, chunkID string) string {
	return "vectors/" + sessionID + "/" + chunkID
}

func dimPath(sessionID string) string {
	return "vectors/" + sessionID + "/_dimension"
}

// Dimension returns the session's fixed embedding dimensionality, or 0 when
// no vectors have been stored yet.
func (s *Store) Dimension(ctx context.Context, sessionID string) (int, error) {
	raw, ok, err := s.storage.Get(ctx, dimPath(sessionID))
	if err != nil || !ok {
		return 0, err
	}
	dim, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt dimension record for %s: %w", sessionID, err)
	}
	return dim, nil
}

// PutChunks stores chunks for a session, fixing the embedding dimensionality
// on first use. A chunk whose embedding length differs from the session's
// dimension fails the whole call with EmbeddingDimensionMismatch and nothing
// is written.
func (s *Store) PutChunks(ctx context.Context, sessionID string, chunks []*lattica.VectorChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim, err := s.Dimension(ctx, sessionID)
	if err != nil {
		return err
	}
	if dim == 0 {
		dim = len(chunks[0].Embedding)
		if dim == 0 {
			return fmt.Errorf("%w: first chunk has no embedding", lattica.ErrInvalidConfig)
		}
	}
	for _, c := range chunks {
		if len(c.Embedding) != dim {
			return fmt.Errorf("%w: chunk %s has dimension %d, session %s is fixed at %d",
				lattica.ErrEmbeddingDimensionMismatch, c.ChunkID, len(c.Embedding), sessionID, dim)
		}
	}

	if err := s.storage.Put(ctx, dimPath(sessionID), []byte(strconv.Itoa(dim))); err != nil {
		return err
	}
	for _, c := range chunks {
		stored := *c
		stored.SessionID = sessionID
		encoded, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := s.storage.Put(ctx, chunkPath(sessionID, c.ChunkID), encoded); err != nil {
			return err
		}
	}
	s.logger.Debug("vector chunks stored", "session_id", sessionID, "count", len(chunks), "dimension", dim)
	return nil
}

// GetChunk returns one chunk's stored metadata.
func (s *Store) GetChunk(ctx context.Context, sessionID, chunkID string) (*lattica.VectorChunk, bool, error) {
	raw, ok, err := s.storage.Get(ctx, chunkPath(sessionID, chunkID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var chunk lattica.VectorChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, false, fmt.Errorf("corrupt chunk %s: %w", chunkID, err)
	}
	return &chunk, true, nil
}

// ListChunks returns all chunks stored for the session.
func (s *Store) ListChunks(ctx context.Context, sessionID string) ([]*lattica.VectorChunk, error) {
	paths, err := s.storage.List(ctx, "vectors/"+sessionID+"/")
	if err != nil {
		return nil, err
	}
	chunks := make([]*lattica.VectorChunk, 0, len(paths))
	for _, p := range paths {
		if p == dimPath(sessionID) {
			continue
		}
		raw, ok, err := s.storage.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var chunk lattica.VectorChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("corrupt chunk at %s: %w", p, err)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

// Count returns the number of chunks stored for the session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	paths, err := s.storage.List(ctx, "vectors/"+sessionID+"/")
	if err != nil {
		return 0, err
	}
	n := len(paths)
	for _, p := range paths {
		if p == dimPath(sessionID) {
			n--
		}
	}
	return n, nil
}

// DeleteSession discards the session's vector shard. Vectors are
// session-scoped; the coordinator calls this on close unless the caller
// retains them.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	paths, err := s.storage.List(ctx, "vectors/"+sessionID+"/")
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

// AnnotateHits fills in document metadata on host-returned hits from the
// local shard. Hits for unknown chunks pass through unchanged.
type AnnotatedHit struct {
	lattica.VectorHit
	DocumentID   string `json:"document_id,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
}

func (s *Store) AnnotateHits(ctx context.Context, sessionID string, hits []lattica.VectorHit) ([]AnnotatedHit, error) {
	out := make([]AnnotatedHit, 0, len(hits))
	for _, h := range hits {
		annotated := AnnotatedHit{VectorHit: h}
		if chunk, ok, err := s.GetChunk(ctx, sessionID, h.ChunkID); err != nil {
			return nil, err
		} else if ok {
			annotated.DocumentID = chunk.DocumentID
			annotated.DocumentName = chunk.DocumentName
			if annotated.Text == "" {
				annotated.Text = chunk.Text
			}
		}
		out = append(out, annotated)
	}
	return out, nil
}

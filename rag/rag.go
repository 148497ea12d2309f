// Package rag ingests documents into a session's vector index and assembles
// retrieval context for prompts.
//
// Ingestion runs in four stages: extract, chunk, embed, upload. Embedding
// happens host-side over the inference transport; the upload is a single
// wire message so a failed ingestion leaves no partial vector set
// referenceable. Progress is reported per stage as a percentage.
package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/transport"
	"github.com/latticanet/lattica/vector"
)

const (
	// MaxDocumentSize bounds one ingested document.
	MaxDocumentSize = 5 << 20 // 5 MB

	// DefaultChunkSize is the character count per chunk.
	DefaultChunkSize = 800

	// DefaultChunkOverlap is the character overlap between adjacent chunks.
	DefaultChunkOverlap = 100

	// ContextPreamble precedes retrieved chunks in an augmented prompt. It
	// tells the host's model how to use the spliced context.
	ContextPreamble = "Use the following retrieved context to answer. " +
		"If the context does not cover the question, say so instead of guessing.\n\n"
)

// Stage names one ingestion phase for progress reporting.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageUploading  Stage = "uploading"
)

// Progress is delivered to the ingestion callback.
type Progress struct {
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
}

// Document is one ingestion input. Type is inferred from Name when empty.
type Document struct {
	Name string
	Type string // "text", "markdown", "html", "pdf", "image"
	Data []byte
}

// Extractor turns binary document formats (pdf, image) into text. Image
// extractors typically return a vision-model description.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (string, error)
}

// HostVectorOps is the transport surface the pipeline needs. Satisfied by
// *transport.Transport.
type HostVectorOps interface {
	EmbedText(ctx context.Context, text string, kind transport.EmbedKind) ([]float64, error)
	UploadVectors(ctx context.Context, chunks []*lattica.VectorChunk) (*transport.UploadResult, error)
	SearchVectors(ctx context.Context, queryVector []float64, topK int, threshold float64) ([]lattica.VectorHit, error)
}

// Options configures a Pipeline.
type Options struct {
	ChunkSize    int
	ChunkOverlap int

	// Extractors handles pdf and image documents, keyed by document type.
	// Types without an extractor are rejected at ingestion.
	Extractors map[string]Extractor

	OnProgress func(Progress)
	Logger     slogger.Logger
}

// Pipeline ingests documents and retrieves context for one session.
type Pipeline struct {
	sessionID string
	host      HostVectorOps
	local     *vector.Store
	opts      Options
	logger    slogger.Logger
}

// New creates a pipeline bound to a session, its transport and the local
// vector shard.
func New(sessionID string, host HostVectorOps, local *vector.Store, opts Options) (*Pipeline, error) {
	if sessionID == "" || host == nil {
		return nil, fmt.Errorf("%w: rag pipeline needs a session and transport", lattica.ErrInvalidConfig)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Pipeline{
		sessionID: sessionID,
		host:      host,
		local:     local,
		opts:      opts,
		logger:    opts.Logger,
	}, nil
}

func (p *Pipeline) progress(stage Stage, percent float64) {
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(Progress{Stage: stage, Percent: percent})
	}
}

// Ingest extracts, chunks, embeds and uploads one document. The returned
// chunks are also mirrored into the local vector shard so a replacement host
// can be re-seeded. Failure at any stage leaves no vectors referenceable.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) ([]*lattica.VectorChunk, error) {
	if len(doc.Data) == 0 {
		return nil, fmt.Errorf("%w: empty document", lattica.ErrInvalidConfig)
	}
	if len(doc.Data) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: document %s exceeds %d bytes", lattica.ErrInvalidConfig, doc.Name, MaxDocumentSize)
	}

	p.progress(StageExtracting, 0)
	text, err := p.extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document %s has no extractable text", lattica.ErrInvalidConfig, doc.Name)
	}
	p.progress(StageExtracting, 100)

	p.progress(StageChunking, 0)
	docID := uuid.NewString()
	chunks := p.chunk(docID, doc, text)
	p.progress(StageChunking, 100)

	for i, chunk := range chunks {
		p.progress(StageEmbedding, float64(i)/float64(len(chunks))*100)
		embedding, err := p.host.EmbedText(ctx, chunk.Text, transport.EmbedDocument)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d of %s: %w", i, doc.Name, err)
		}
		chunk.Embedding = embedding
	}
	p.progress(StageEmbedding, 100)

	p.progress(StageUploading, 0)
	ack, err := p.host.UploadVectors(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("upload vectors for %s: %w", doc.Name, err)
	}
	if ack.Rejected > 0 {
		return nil, fmt.Errorf("%w: host rejected %d of %d chunks: %v",
			lattica.ErrEmbeddingDimensionMismatch, ack.Rejected, len(chunks), ack.Errors)
	}
	if p.local != nil {
		if err := p.local.PutChunks(ctx, p.sessionID, chunks); err != nil {
			return nil, err
		}
	}
	p.progress(StageUploading, 100)

	p.logger.Info("document ingested", "session_id", p.sessionID,
		"document", doc.Name, "chunks", len(chunks))
	return chunks, nil
}

func (p *Pipeline) extract(ctx context.Context, doc Document) (string, error) {
	switch docType(doc) {
	case "text", "markdown":
		return string(doc.Data), nil
	case "html":
		return extractHTML(doc.Data)
	default:
		if ext, ok := p.opts.Extractors[docType(doc)]; ok {
			return ext.Extract(ctx, doc)
		}
		return "", fmt.Errorf("%w: no extractor for document type %q", lattica.ErrInvalidConfig, docType(doc))
	}
}

func docType(doc Document) string {
	if doc.Type != "" {
		return doc.Type
	}
	switch strings.ToLower(filepath.Ext(doc.Name)) {
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	case ".pdf":
		return "pdf"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	default:
		return "text"
	}
}

// extractHTML walks the document and collects text nodes, skipping script
// and style subtrees.
func extractHTML(data []byte) (string, error) {
	root, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String(), nil
}

// chunk slices text into overlapping character windows.
func (p *Pipeline) chunk(docID string, doc Document, text string) []*lattica.VectorChunk {
	runes := []rune(text)
	step := p.opts.ChunkSize - p.opts.ChunkOverlap
	var chunks []*lattica.VectorChunk
	for start, index := 0, 0; start < len(runes); start, index = start+step, index+1 {
		end := start + p.opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, &lattica.VectorChunk{
			ChunkID:      uuid.NewString(),
			SessionID:    p.sessionID,
			DocumentID:   docID,
			DocumentName: doc.Name,
			DocumentType: docType(doc),
			Index:        index,
			StartOffset:  start,
			EndOffset:    end,
			Text:         string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Query embeds the query host-side and searches the session index. Hits are
// annotated from the local shard when available.
func (p *Pipeline) Query(ctx context.Context, query string, topK int, threshold float64) ([]lattica.VectorHit, error) {
	if topK <= 0 {
		topK = 5
	}
	embedding, err := p.host.EmbedText(ctx, query, transport.EmbedQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := p.host.SearchVectors(ctx, embedding, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	if p.local != nil {
		annotated, err := p.local.AnnotateHits(ctx, p.sessionID, hits)
		if err == nil {
			for i := range hits {
				if hits[i].Text == "" {
					hits[i].Text = annotated[i].Text
				}
			}
		}
	}
	return hits, nil
}

// BuildPrompt splices retrieved chunks ahead of the user's question under
// the fixed preamble. With no hits the question passes through unchanged.
func BuildPrompt(hits []lattica.VectorHit, question string) string {
	if len(hits) == 0 {
		return question
	}
	var sb strings.Builder
	sb.WriteString(ContextPreamble)
	for _, h := range hits {
		sb.WriteString(h.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}

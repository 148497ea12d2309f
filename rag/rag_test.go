package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/storage"
	"github.com/latticanet/lattica/transport"
	"github.com/latticanet/lattica/vector"
)

// fakeHostOps embeds deterministically: the vector encodes the chunk's
// length so search can match exact text by comparing first components.
type fakeHostOps struct {
	uploaded [][]*lattica.VectorChunk
	indexed  []*lattica.VectorChunk
	embedErr error
	upErr    error
}

func (f *fakeHostOps) EmbedText(ctx context.Context, text string, kind transport.EmbedKind) ([]float64, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	sum := 0.0
	for _, r := range text {
		sum += float64(r)
	}
	return []float64{sum, float64(len(text))}, nil
}

func (f *fakeHostOps) UploadVectors(ctx context.Context, chunks []*lattica.VectorChunk) (*transport.UploadResult, error) {
	if f.upErr != nil {
		return nil, f.upErr
	}
	f.uploaded = append(f.uploaded, chunks)
	f.indexed = append(f.indexed, chunks...)
	return &transport.UploadResult{Uploaded: len(chunks)}, nil
}

func (f *fakeHostOps) SearchVectors(ctx context.Context, queryVector []float64, topK int, threshold float64) ([]lattica.VectorHit, error) {
	var hits []lattica.VectorHit
	for _, c := range f.indexed {
		if len(c.Embedding) == len(queryVector) && c.Embedding[0] == queryVector[0] && c.Embedding[1] == queryVector[1] {
			hits = append(hits, lattica.VectorHit{ChunkID: c.ChunkID, Score: 1.0, Text: c.Text})
		}
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func newPipeline(t *testing.T, host HostVectorOps, opts Options) (*Pipeline, *vector.Store) {
	t.Helper()
	facade, err := storage.Connect("rag test seed", storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { facade.Close() })
	local := vector.New(facade, nil)
	p, err := New("s1", host, local, opts)
	require.NoError(t, err)
	return p, local
}

func TestIngestChunkingAndOverlap(t *testing.T) {
	host := &fakeHostOps{}
	p, local := newPipeline(t, host, Options{ChunkSize: 100, ChunkOverlap: 20})

	text := strings.Repeat("abcdefghij", 25) // 250 chars
	chunks, err := p.Ingest(context.Background(), Document{Name: "notes.txt", Data: []byte(text)})
	require.NoError(t, err)

	// Steps of 80: offsets 0, 80, 160, 240.
	require.Len(t, chunks, 4)
	require.Equal(t, 0, chunks[0].StartOffset)
	require.Equal(t, 100, chunks[0].EndOffset)
	require.Equal(t, 80, chunks[1].StartOffset)
	require.Equal(t, 250, chunks[3].EndOffset)
	for _, c := range chunks {
		require.Len(t, c.Embedding, 2)
		require.Equal(t, "s1", c.SessionID)
	}

	// Local shard mirrors the upload.
	n, err := local.Count(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestIngestSizeBound(t *testing.T) {
	p, _ := newPipeline(t, &fakeHostOps{}, Options{})
	_, err := p.Ingest(context.Background(), Document{
		Name: "huge.txt",
		Data: make([]byte, MaxDocumentSize+1),
	})
	require.ErrorIs(t, err, lattica.ErrInvalidConfig)
}

func TestIngestHTMLStripsMarkup(t *testing.T) {
	host := &fakeHostOps{}
	p, _ := newPipeline(t, host, Options{})

	doc := Document{Name: "page.html", Data: []byte(
		`<html><head><style>body{color:red}</style><script>alert(1)</script></head>` +
			`<body><h1>Checkpoints</h1><p>are host-signed claims.</p></body></html>`)}
	chunks, err := p.Ingest(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "Checkpoints are host-signed claims.", chunks[0].Text)
	require.NotContains(t, chunks[0].Text, "alert")
}

func TestIngestFailureIsAtomic(t *testing.T) {
	host := &fakeHostOps{embedErr: errors.New("embed backend down")}
	p, local := newPipeline(t, host, Options{})

	_, err := p.Ingest(context.Background(), Document{Name: "doc.txt", Data: []byte("some text")})
	require.Error(t, err)
	require.Empty(t, host.uploaded)

	n, err := local.Count(context.Background(), "s1")
	require.NoError(t, err)
	require.Zero(t, n, "failed ingestion leaves no local vectors")
}

func TestIngestUploadFailureIsAtomic(t *testing.T) {
	host := &fakeHostOps{upErr: errors.New("index full")}
	p, local := newPipeline(t, host, Options{})

	_, err := p.Ingest(context.Background(), Document{Name: "doc.txt", Data: []byte("some text")})
	require.Error(t, err)
	n, err := local.Count(context.Background(), "s1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestIngestUnsupportedTypeNeedsExtractor(t *testing.T) {
	p, _ := newPipeline(t, &fakeHostOps{}, Options{})
	_, err := p.Ingest(context.Background(), Document{Name: "scan.pdf", Data: []byte("%PDF-1.7")})
	require.ErrorIs(t, err, lattica.ErrInvalidConfig)
}

type describeExtractor struct{ text string }

func (d describeExtractor) Extract(ctx context.Context, doc Document) (string, error) {
	return d.text, nil
}

func TestIngestPluggableExtractor(t *testing.T) {
	p, _ := newPipeline(t, &fakeHostOps{}, Options{
		Extractors: map[string]Extractor{"image": describeExtractor{text: "a diagram of the settlement flow"}},
	})
	chunks, err := p.Ingest(context.Background(), Document{Name: "flow.png", Data: []byte{0x89, 0x50}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "a diagram of the settlement flow", chunks[0].Text)
}

func TestProgressStages(t *testing.T) {
	var stages []Stage
	host := &fakeHostOps{}
	p, _ := newPipeline(t, host, Options{
		OnProgress: func(pr Progress) {
			if len(stages) == 0 || stages[len(stages)-1] != pr.Stage {
				stages = append(stages, pr.Stage)
			}
		},
	})
	_, err := p.Ingest(context.Background(), Document{Name: "doc.txt", Data: []byte("short text")})
	require.NoError(t, err)
	require.Equal(t, []Stage{StageExtracting, StageChunking, StageEmbedding, StageUploading}, stages)
}

func TestQueryRetrievesMatchingChunk(t *testing.T) {
	host := &fakeHostOps{}
	p, _ := newPipeline(t, host, Options{ChunkSize: 40, ChunkOverlap: 0})

	// Three distinct "documents" so each produces one chunk.
	for i := 0; i < 3; i++ {
		_, err := p.Ingest(context.Background(), Document{
			Name: fmt.Sprintf("doc%d.txt", i),
			Data: []byte(fmt.Sprintf("chunk number %d content", i)),
		})
		require.NoError(t, err)
	}

	hits, err := p.Query(context.Background(), "chunk number 1 content", 1, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "chunk number 1 content", hits[0].Text)

	prompt := BuildPrompt(hits, "what is in chunk one?")
	require.True(t, strings.HasPrefix(prompt, ContextPreamble))
	require.Contains(t, prompt, "chunk number 1 content")
	require.True(t, strings.HasSuffix(prompt, "Question: what is in chunk one?"))
}

func TestBuildPromptWithoutHits(t *testing.T) {
	require.Equal(t, "plain question", BuildPrompt(nil, "plain question"))
}

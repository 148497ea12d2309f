package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/contract"
	"github.com/latticanet/lattica/rag"
	"github.com/latticanet/lattica/storage"
	"github.com/latticanet/lattica/transport"
	"github.com/latticanet/lattica/wallet"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func walletFor(t *testing.T) (wallet.Wallet, error) {
	t.Helper()
	return wallet.NewPrivateKeyWallet(testKey)
}

// fakeSession plays the host across transport and chain: checkpoint
// requests and session_end are submitted to the fake marketplace the way a
// real host would.
type fakeSession struct {
	mu             sync.Mutex
	facade         *contract.Fake
	sessionID      string
	openOpts       transport.Options
	tokensPerTurn  uint64
	submitted      uint64
	prompts        []string
	checkpointReqs []uint64
	endedWith      []uint64
	indexed        []*lattica.VectorChunk
	noticeFn       func(transport.CheckpointNotice)
	disconnectFn   func(error)
	closed         bool
	promptErr      error
}

func (f *fakeSession) SendPrompt(ctx context.Context, content string, metadata map[string]any) (*transport.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		err := f.promptErr
		f.promptErr = nil
		return nil, err
	}
	f.prompts = append(f.prompts, content)
	return &transport.PromptResult{
		Content:    "echo: " + content,
		TokensUsed: f.tokensPerTurn,
	}, nil
}

func (f *fakeSession) EmbedText(ctx context.Context, text string, kind transport.EmbedKind) ([]float64, error) {
	sum := 0.0
	for _, r := range text {
		sum += float64(r)
	}
	return []float64{sum, float64(len(text))}, nil
}

func (f *fakeSession) SearchVectors(ctx context.Context, queryVector []float64, topK int, threshold float64) ([]lattica.VectorHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []lattica.VectorHit
	for _, c := range f.indexed {
		if len(c.Embedding) == 2 && c.Embedding[0] == queryVector[0] && c.Embedding[1] == queryVector[1] {
			hits = append(hits, lattica.VectorHit{ChunkID: c.ChunkID, Score: 1.0, Text: c.Text})
		}
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeSession) UploadVectors(ctx context.Context, chunks []*lattica.VectorChunk) (*transport.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, chunks...)
	return &transport.UploadResult{Uploaded: len(chunks)}, nil
}

func (f *fakeSession) RequestCheckpoint(ctx context.Context, cumulativeTokens uint64) error {
	f.mu.Lock()
	delta := cumulativeTokens - f.submitted
	f.submitted = cumulativeTokens
	f.checkpointReqs = append(f.checkpointReqs, cumulativeTokens)
	f.mu.Unlock()
	_, err := f.facade.SubmitCheckpoint(ctx, f.sessionID, delta, [32]byte{1}, []byte("hostsig"), "bafy")
	return err
}

func (f *fakeSession) EndSession(ctx context.Context, totalTokens uint64) error {
	f.mu.Lock()
	f.endedWith = append(f.endedWith, totalTokens)
	f.mu.Unlock()
	_, err := f.facade.CompleteSession(ctx, f.sessionID, totalTokens, [32]byte{9})
	return err
}

func (f *fakeSession) OnCheckpointNotice(fn func(transport.CheckpointNotice)) { f.noticeFn = fn }
func (f *fakeSession) OnDisconnect(fn func(error))                            { f.disconnectFn = fn }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// drop simulates the websocket dying under the coordinator.
func (f *fakeSession) drop(err error) {
	if f.disconnectFn != nil {
		f.disconnectFn(err)
	}
}

type harness struct {
	coord  *Coordinator
	facade *contract.Fake
	store  storage.Facade
	opens  []*fakeSession
}

func newHarness(t *testing.T, tokensPerTurn uint64) *harness {
	t.Helper()
	facade := contract.NewFake(84532)
	store, err := storage.Connect("coordinator test seed", storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w, err := walletFor(t)
	require.NoError(t, err)

	h := &harness{facade: facade, store: store}
	opener := func(ctx context.Context, endpoint string, opts transport.Options) (Transport, error) {
		fs := &fakeSession{
			facade:        facade,
			sessionID:     opts.SessionID,
			openOpts:      opts,
			tokensPerTurn: tokensPerTurn,
		}
		// Later transports for the same session keep the submitted mark so
		// checkpoint deltas stay consistent across reconnects.
		if prev := h.last(); prev != nil && prev.sessionID == opts.SessionID {
			fs.submitted = prev.submitted
			fs.indexed = prev.indexed
		}
		h.opens = append(h.opens, fs)
		return fs, nil
	}

	coord, err := New(w, facade, store, Options{Opener: opener, SettleTimeout: 5 * time.Second})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) last() *fakeSession {
	if len(h.opens) == 0 {
		return nil
	}
	return h.opens[len(h.opens)-1]
}

func testConfig() lattica.SessionConfig {
	return lattica.SessionConfig{
		DepositAmount: 500_000,
		PricePerToken: 2000,
		ProofInterval: 1000,
		Duration:      86400,
		ChainID:       84532,
		Model:         "llama-3-70b",
		HostID:        "0x1111111111111111111111111111111111111111",
		HostEndpoint:  "ws://host.test/session",
	}
}

func TestStartSessionValidatesConfig(t *testing.T) {
	h := newHarness(t, 100)

	cfg := testConfig()
	cfg.DepositAmount = 0
	_, err := h.coord.StartSession(context.Background(), cfg)
	require.ErrorIs(t, err, lattica.ErrInvalidConfig)

	cfg = testConfig()
	cfg.ChainID = 1
	_, err = h.coord.StartSession(context.Background(), cfg)
	require.ErrorIs(t, err, lattica.ErrInvalidConfig)
}

func TestFullSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 400)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	state, err := h.coord.State(handle)
	require.NoError(t, err)
	require.Equal(t, lattica.StateTransportOpen, state)

	// Four turns at 400 tokens: 400, 800, 1200, 1600. Only 1200 crosses the
	// 1000 interval; the 1600 tail is claimed by the final checkpoint.
	for i := 0; i < 4; i++ {
		out, err := h.coord.SendPrompt(ctx, handle, fmt.Sprintf("turn %d", i), PromptOptions{})
		require.NoError(t, err)
		require.Equal(t, uint64(400), out.TokensUsed)
	}
	state, err = h.coord.State(handle)
	require.NoError(t, err)
	require.Equal(t, lattica.StateActive, state)
	require.Equal(t, []uint64{1200}, h.last().checkpointReqs)

	final, err := h.coord.EndSession(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(1600), final.CumulativeTokens)
	require.Zero(t, final.PaddedTokens)
	require.Equal(t, uint64(2_880_000), final.Settlement.HostAmount)
	require.Equal(t, uint64(320_000), final.Settlement.TreasuryAmount)
	require.Equal(t, []uint64{1200, 1600}, h.last().checkpointReqs)
	require.Equal(t, []uint64{1600}, h.last().endedWith)
	require.True(t, h.last().closed)

	state, err = h.coord.State(handle)
	require.NoError(t, err)
	require.Equal(t, lattica.StateSettled, state)
	require.Equal(t, uint64(2_880_000), h.facade.HostBalance)
	require.Equal(t, uint64(320_000), h.facade.TreasuryBalance)

	_, err = h.coord.SendPrompt(ctx, handle, "too late", PromptOptions{})
	require.ErrorIs(t, err, lattica.ErrSessionAlreadyClosed)
}

func TestConversationPersistedAcrossTurns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, handle, "what is a checkpoint?", PromptOptions{})
	require.NoError(t, err)

	messages, err := h.coord.Conversations().Load(ctx, handle.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, lattica.RoleUser, messages[0].Role)
	require.Equal(t, "what is a checkpoint?", messages[0].Content)
	require.Equal(t, lattica.RoleAssistant, messages[1].Role)
	require.Equal(t, int64(50), messages[1].Tokens)
}

func TestResumeAfterTransportDrop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 400)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, handle, "first", PromptOptions{})
	require.NoError(t, err)

	h.last().drop(errors.New("read: connection reset"))
	_, err = h.coord.SendPrompt(ctx, handle, "while down", PromptOptions{})
	require.ErrorIs(t, err, lattica.ErrTransportDropped)

	resumed, err := h.coord.ResumeSession(ctx, handle.SessionID)
	require.NoError(t, err)
	require.Equal(t, handle.SessionID, resumed.SessionID)
	require.Len(t, h.opens, 2)

	// The resume handshake carries the full history; the host truncates.
	// The prompt rejected while down was never appended.
	require.Len(t, h.last().openOpts.Resume, 2)
	require.Equal(t, "first", h.last().openOpts.Resume[0].Content)

	_, err = h.coord.SendPrompt(ctx, resumed, "second", PromptOptions{})
	require.NoError(t, err)
}

func TestResumeSeedsCheckpointAccountFromChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 600)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)

	// Two turns put 1200 on-chain via the interval crossing.
	_, err = h.coord.SendPrompt(ctx, handle, "one", PromptOptions{})
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, handle, "two", PromptOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1200}, h.last().checkpointReqs)

	h.last().drop(errors.New("gone"))
	resumed, err := h.coord.ResumeSession(ctx, handle.SessionID)
	require.NoError(t, err)

	// Post-resume turns only claim tokens beyond the seeded 1200: two more
	// 600-token turns cross 2000 with cumulative 2400.
	_, err = h.coord.SendPrompt(ctx, resumed, "three", PromptOptions{})
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, resumed, "four", PromptOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{2400}, h.last().checkpointReqs)

	status, err := h.facade.GetJobStatus(ctx, handle.SessionID)
	require.NoError(t, err)
	require.Equal(t, uint64(2400), status.TokensUsed)
}

func TestResumeUnknownSession(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.coord.ResumeSession(context.Background(), "no-such-session")
	require.ErrorIs(t, err, lattica.ErrSessionNotFound)
}

func TestRAGPromptAssembly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 120)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)

	_, err = h.coord.Ingest(ctx, handle, rag.Document{
		Name: "notes.txt",
		Data: []byte("settlement pays the host ninety percent"),
	}, nil)
	require.NoError(t, err)

	out, err := h.coord.SendPrompt(ctx, handle, "settlement pays the host ninety percent",
		PromptOptions{UseRAG: true, TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, out.Response)

	// The wire prompt is augmented; the conversation log keeps the raw text.
	sent := h.last().prompts[len(h.last().prompts)-1]
	require.True(t, strings.HasPrefix(sent, rag.ContextPreamble))
	require.Contains(t, sent, "settlement pays the host ninety percent")

	messages, err := h.coord.Conversations().Load(ctx, handle.SessionID)
	require.NoError(t, err)
	require.Equal(t, "settlement pays the host ninety percent", messages[0].Content)
	require.NotContains(t, messages[0].Content, rag.ContextPreamble)
}

func TestEndSessionPadsShortFinalDelta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 40)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, handle, "tiny", PromptOptions{})
	require.NoError(t, err)

	final, err := h.coord.EndSession(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(60), final.PaddedTokens)
	require.Equal(t, uint64(100), final.CumulativeTokens)
}

func TestPermanentPromptFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	h.last().promptErr = fmt.Errorf("%w: inference permission revoked", lattica.ErrPermissionDenied)

	_, err = h.coord.SendPrompt(ctx, handle, "hello", PromptOptions{})
	require.ErrorIs(t, err, lattica.ErrPermissionDenied)

	state, err := h.coord.State(handle)
	require.NoError(t, err)
	require.Equal(t, lattica.StateFailed, state)

	_, err = h.coord.EndSession(ctx, handle)
	require.ErrorIs(t, err, lattica.ErrSessionAlreadyClosed)
}

func TestTransientPromptFailureKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	h.last().promptErr = fmt.Errorf("%w: host busy", lattica.ErrNetworkTransient)

	_, err = h.coord.SendPrompt(ctx, handle, "hello", PromptOptions{})
	require.ErrorIs(t, err, lattica.ErrNetworkTransient)

	out, err := h.coord.SendPrompt(ctx, handle, "hello again", PromptOptions{})
	require.NoError(t, err)
	require.Equal(t, "echo: hello again", out.Response)
}

func TestRecoverFromCheckpoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 600)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	_, err = h.coord.SendPrompt(ctx, handle, "one", PromptOptions{})
	require.NoError(t, err)

	// Simulate the host posting checkpoints whose proof payloads live in
	// shared storage.
	payload1 := []byte(`{"delta":1200,"messages":[0,1]}`)
	payload2 := []byte(`{"delta":800,"messages":[2,3]}`)
	require.NoError(t, h.store.Put(ctx, "proofs/cp1", payload1))
	require.NoError(t, h.store.Put(ctx, "proofs/cp2", payload2))
	_, err = h.facade.SubmitCheckpoint(ctx, handle.SessionID, 1200,
		[32]byte(crypto.Keccak256Hash(payload1)), []byte("sig1"), "proofs/cp1")
	require.NoError(t, err)
	_, err = h.facade.SubmitCheckpoint(ctx, handle.SessionID, 800,
		[32]byte(crypto.Keccak256Hash(payload2)), []byte("sig2"), "proofs/cp2")
	require.NoError(t, err)

	rec, err := h.coord.RecoverFromCheckpoints(ctx, handle.SessionID)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), rec.TokenCount)
	require.Len(t, rec.Checkpoints, 2)
	for _, cp := range rec.Checkpoints {
		require.True(t, cp.VerifiedOnChain)
	}
	require.Len(t, rec.Messages, 2)
}

func TestRecoverRejectsTamperedProof(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)

	require.NoError(t, h.store.Put(ctx, "proofs/bad", []byte("tampered payload")))
	_, err = h.facade.SubmitCheckpoint(ctx, handle.SessionID, 500,
		[32]byte(crypto.Keccak256Hash([]byte("original payload"))), []byte("sig"), "proofs/bad")
	require.NoError(t, err)

	_, err = h.coord.RecoverFromCheckpoints(ctx, handle.SessionID)
	require.ErrorIs(t, err, lattica.ErrProofHashMismatch)
}

func TestRecoverMissingProofPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)

	_, err = h.facade.SubmitCheckpoint(ctx, handle.SessionID, 500,
		[32]byte{7}, []byte("sig"), "proofs/never-written")
	require.NoError(t, err)

	_, err = h.coord.RecoverFromCheckpoints(ctx, handle.SessionID)
	require.ErrorIs(t, err, lattica.ErrDeltaFetchFailed)
}

func TestCancelClosesTransport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	handle, err := h.coord.StartSession(ctx, testConfig())
	require.NoError(t, err)
	require.NoError(t, h.coord.Cancel(ctx, handle, errors.New("user abort")))
	require.True(t, h.last().closed)

	state, err := h.coord.State(handle)
	require.NoError(t, err)
	require.Equal(t, lattica.StateFailed, state)
	require.ErrorIs(t, h.coord.Cancel(ctx, handle, nil), lattica.ErrSessionAlreadyClosed)
}

package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/latticanet/lattica"
)

// fakeHost is a scripted websocket peer. The script receives every client
// message (including the handshake) and may write replies on the conn.
type fakeHost struct {
	t      *testing.T
	srv    *httptest.Server
	script func(conn *websocket.Conn, msg *Message)

	mu       sync.Mutex
	received []*Message
}

func newFakeHost(t *testing.T, script func(conn *websocket.Conn, msg *Message)) *fakeHost {
	t.Helper()
	h := &fakeHost{t: t, script: script}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			h.mu.Lock()
			h.received = append(h.received, &msg)
			h.mu.Unlock()
			if h.script != nil {
				h.script(conn, &msg)
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHost) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *fakeHost) messages() []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Message, len(h.received))
	copy(out, h.received)
	return out
}

func reply(conn *websocket.Conn, msg *Message) {
	conn.WriteJSON(msg) //nolint:errcheck
}

func openTransport(t *testing.T, h *fakeHost, opts Options) *Transport {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "s1"
	}
	tr, err := Open(context.Background(), h.url(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestPromptStreamingRoundTrip(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type != TypePrompt {
			return
		}
		reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "Hello ", TokensUsed: 3, Streaming: true})
		reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "world", TokensUsed: 2, Streaming: true, Done: true})
	})
	tr := openTransport(t, host, Options{})

	var chunks []StreamChunk
	var mu sync.Mutex
	tr.OnChunk(func(c StreamChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})

	res, err := tr.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello world", res.Content)
	require.Equal(t, uint64(5), res.TokensUsed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 2)
	require.True(t, chunks[1].Done)
}

func TestHandshakeInitAndIndexing(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "ok", Done: true})
		}
	})
	tr := openTransport(t, host, Options{JobID: "job-1", Model: &ModelConfig{Model: "llama-70b"}})

	_, err := tr.SendPrompt(context.Background(), "first", nil)
	require.NoError(t, err)
	_, err = tr.SendPrompt(context.Background(), "second", nil)
	require.NoError(t, err)

	msgs := host.messages()
	require.GreaterOrEqual(t, len(msgs), 3)
	require.Equal(t, TypeSessionInit, msgs[0].Type)
	require.Equal(t, "job-1", msgs[0].JobID)
	require.Equal(t, 0, msgs[1].MessageIndex)
	require.Equal(t, 1, msgs[2].MessageIndex)
}

func TestResumeCarriesFullHistory(t *testing.T) {
	history := []*lattica.Message{
		{ID: "m1", Role: lattica.RoleUser, Content: "q", Index: 0},
		{ID: "m2", Role: lattica.RoleAssistant, Content: "a", Index: 1},
	}
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "ok", Done: true})
		}
	})
	tr := openTransport(t, host, Options{Resume: history})

	_, err := tr.SendPrompt(context.Background(), "third turn", nil)
	require.NoError(t, err)

	msgs := host.messages()
	require.Equal(t, TypeSessionResume, msgs[0].Type)
	require.Len(t, msgs[0].ConversationContext, 2)
	require.Equal(t, 1, msgs[0].LastMessageIndex)
	// Outbound indexing starts where the history left off.
	require.Equal(t, 2, msgs[1].MessageIndex)
}

func TestCompressionOverThreshold(t *testing.T) {
	big := strings.Repeat("x", 2000)
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "ok", Done: true})
		}
	})
	tr := openTransport(t, host, Options{Compress: true})

	_, err := tr.SendPrompt(context.Background(), big, nil)
	require.NoError(t, err)
	_, err = tr.SendPrompt(context.Background(), "small", nil)
	require.NoError(t, err)

	msgs := host.messages()
	require.True(t, msgs[1].Compressed)
	raw, err := base64.StdEncoding.DecodeString(msgs[1].Content)
	require.NoError(t, err)
	decoded, err := snappy.Decode(nil, raw)
	require.NoError(t, err)
	require.Equal(t, big, string(decoded))
	require.False(t, msgs[2].Compressed)
}

func TestRateLimitedError(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: TypeError, SessionID: msg.SessionID, Code: "rate_limited", RetryAfterMs: 50})
		}
	})
	tr := openTransport(t, host, Options{})

	_, err := tr.SendPrompt(context.Background(), "hi", nil)
	var rl *lattica.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 50*time.Millisecond, rl.RetryAfter)
	require.True(t, lattica.Transient(err))
}

func signedToken(t *testing.T, permissions []string, ttl time.Duration) string {
	t.Helper()
	claims := tokenClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("host-secret"))
	require.NoError(t, err)
	return token
}

func TestPermissionDenied(t *testing.T) {
	host := newFakeHost(t, nil)
	tr := openTransport(t, host, Options{
		Token: signedToken(t, []string{OpInference}, time.Hour),
	})

	_, err := tr.SearchVectors(context.Background(), []float64{1, 2}, 3, 0.5)
	require.ErrorIs(t, err, lattica.ErrPermissionDenied)

	// The permitted operation still goes through the check.
	require.True(t, tr.bearer.permitted(OpInference))
}

func TestTokenRefreshBeforeExpiry(t *testing.T) {
	refreshed := signedToken(t, []string{OpInference}, time.Hour)
	var refreshCalls int
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "ok", Done: true})
		}
	})
	tr := openTransport(t, host, Options{
		Token: signedToken(t, []string{OpInference}, 10*time.Second), // inside refresh window
		Refresh: func(ctx context.Context) (string, error) {
			refreshCalls++
			return refreshed, nil
		},
	})

	_, err := tr.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, 1, refreshCalls)

	msgs := host.messages()
	require.Equal(t, refreshed, msgs[1].Token, "rotated token rides on the next message")
}

func TestVectorOperations(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		switch msg.Type {
		case TypeEmbedText:
			reply(conn, &Message{Type: TypeEmbedResult, SessionID: msg.SessionID, Vector: []float64{0.1, 0.2}})
		case TypeSearchVectors:
			reply(conn, &Message{Type: TypeSearchResult, SessionID: msg.SessionID,
				Hits: []lattica.VectorHit{{ChunkID: "c2", Score: 0.99, Text: "match"}}})
		case TypeUploadVectors:
			reply(conn, &Message{Type: TypeUploadAck, SessionID: msg.SessionID, Uploaded: len(msg.Vectors)})
		}
	})
	tr := openTransport(t, host, Options{})
	ctx := context.Background()

	vec, err := tr.EmbedText(ctx, "what is a checkpoint", EmbedQuery)
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2}, vec)

	hits, err := tr.SearchVectors(ctx, vec, 1, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "c2", hits[0].ChunkID)

	ack, err := tr.UploadVectors(ctx, []*lattica.VectorChunk{{ChunkID: "c1"}, {ChunkID: "c2"}})
	require.NoError(t, err)
	require.Equal(t, 2, ack.Uploaded)
}

func TestCheckpointNoticeObserver(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypeCheckpointRequest {
			reply(conn, &Message{Type: TypeCheckpointNotice, SessionID: msg.SessionID,
				CumulativeTokens: msg.CumulativeTokens, ProofCID: "bafy-proof"})
		}
	})
	tr := openTransport(t, host, Options{})

	notices := make(chan CheckpointNotice, 1)
	tr.OnCheckpointNotice(func(n CheckpointNotice) { notices <- n })

	require.NoError(t, tr.RequestCheckpoint(context.Background(), 1000))
	select {
	case n := <-notices:
		require.Equal(t, uint64(1000), n.CumulativeTokens)
		require.Equal(t, "bafy-proof", n.ProofCID)
	case <-time.After(2 * time.Second):
		t.Fatal("no checkpoint notice")
	}
}

func TestDropFailsInFlightAndNotifies(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			conn.Close()
		}
	})
	tr := openTransport(t, host, Options{})

	dropped := make(chan error, 1)
	tr.OnDisconnect(func(err error) { dropped <- err })

	_, err := tr.SendPrompt(context.Background(), "hi", nil)
	require.ErrorIs(t, err, lattica.ErrTransportDropped)

	select {
	case err := <-dropped:
		require.ErrorIs(t, err, lattica.ErrTransportDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect notification")
	}
	require.Equal(t, StateDisconnected, tr.State())

	// Further sends fail fast with the drop error.
	_, err = tr.SendPrompt(context.Background(), "again", nil)
	require.ErrorIs(t, err, lattica.ErrTransportDropped)
}

func TestUnknownMessageIgnored(t *testing.T) {
	host := newFakeHost(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypePrompt {
			reply(conn, &Message{Type: "telemetry", SessionID: msg.SessionID})
			reply(conn, &Message{Type: TypeResponse, SessionID: msg.SessionID, Content: "ok", Done: true})
		}
	})
	tr := openTransport(t, host, Options{})

	res, err := tr.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)
}

func TestSessionEnd(t *testing.T) {
	host := newFakeHost(t, nil)
	tr := openTransport(t, host, Options{})
	require.NoError(t, tr.EndSession(context.Background(), 1600))

	require.Eventually(t, func() bool {
		msgs := host.messages()
		return len(msgs) == 2 && msgs[1].Type == TypeSessionEnd && msgs[1].TotalTokens == 1600
	}, 2*time.Second, 10*time.Millisecond)
}

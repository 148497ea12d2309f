// Package transport implements the duplex streaming inference channel
// between the client and one host, over a websocket.
//
// The model is single-threaded cooperative per transport: one ordered
// outbound queue drained by a writer goroutine, one inbound stream drained
// by a reader goroutine. Prompts carry strictly increasing message indices;
// the response for prompt N completes before prompt N+1 is transmitted.
// Streaming responses are surfaced both through chunk observers and as the
// concatenated result of the originating call.
//
// The transport never reconnects on its own. On a drop it marks itself
// disconnected, fails everything in flight with TransportDropped, and
// notifies its disconnect observers; the session coordinator decides whether
// to reopen against the same host or a replacement.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/wallet"
)

const (
	// DefaultCompressionThreshold is the content length above which outbound
	// prompts are snappy-compressed.
	DefaultCompressionThreshold = 1000

	// DefaultBatchWindow groups prompts submitted within the window into one
	// wire message, when batching is enabled.
	DefaultBatchWindow = 100 * time.Millisecond

	// DefaultReplayWindow rejects signed responses older than this.
	DefaultReplayWindow = 60 * time.Second

	// DefaultOpenTimeout bounds the websocket dial plus session handshake.
	DefaultOpenTimeout = 10 * time.Second

	// DefaultPromptTimeout is the inactivity bound for a prompt: total for a
	// unary response, per-chunk while streaming.
	DefaultPromptTimeout = 30 * time.Second

	// DefaultQueueSize bounds the outbound queue; sends suspend when full.
	DefaultQueueSize = 32

	pingPeriod = 20 * time.Second
	pongWait   = 60 * time.Second
)

// Options configures Open.
type Options struct {
	SessionID string
	JobID     string
	Model     *ModelConfig

	// Resume carries the full conversation history; non-nil switches the
	// handshake from session_init to session_resume.
	Resume []*lattica.Message

	// Compress enables snappy compression of large outbound content.
	Compress             bool
	CompressionThreshold int

	// Batch enables the prompt batching window.
	Batch       bool
	BatchWindow time.Duration

	// Signer and HostAddress enable signed mode: outbound prompts are signed
	// and inbound responses verified against the host's announced address.
	Signer       wallet.Wallet
	HostAddress  common.Address
	ReplayWindow time.Duration

	// Token is the bearer token for transport authorization; Refresh renews
	// it ahead of expiry.
	Token         string
	Refresh       RefreshFunc
	RefreshBefore time.Duration

	// RateLimit caps outbound messages per second; zero disables.
	RateLimit rate.Limit
	RateBurst int

	OpenTimeout   time.Duration
	PromptTimeout time.Duration
	QueueSize     int

	Logger slogger.Logger
}

func (o *Options) fill() error {
	if o.SessionID == "" {
		return fmt.Errorf("%w: transport needs a session ID", lattica.ErrInvalidConfig)
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = DefaultReplayWindow
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = DefaultPromptTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = slogger.DefaultLogger
	}
	return nil
}

// State is the transport lifecycle state.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

type waiter struct {
	result   chan *Message
	fail     chan error
	activity chan struct{} // pulsed on every chunk, resets the idle timer
	content  strings.Builder
	tokens   uint64
}

func newWaiter() *waiter {
	return &waiter{
		result:   make(chan *Message, 1),
		fail:     make(chan error, 1),
		activity: make(chan struct{}, 1),
	}
}

// Transport is one open inference channel.
type Transport struct {
	conn    *websocket.Conn
	opts    Options
	logger  slogger.Logger
	bearer  *bearer
	signer  *signer
	limiter *rate.Limiter

	outbound chan *Message
	done     chan struct{}

	mu            sync.Mutex
	state         State
	dropErr       error
	nextIndex     int
	pendingPrompt []*waiter
	pendingSearch []*waiter
	pendingEmbed  []*waiter
	pendingUpload []*waiter
	batchBuf      []*BatchedPrompt
	batchTimer    *time.Timer
	notBefore     time.Time // rate-limit backoff from host errors

	chunkObs      []func(StreamChunk)
	noticeObs     []func(CheckpointNotice)
	disconnectObs []func(error)

	// sendSlot serializes prompts when batching is off so that the response
	// for prompt N completes before prompt N+1 is transmitted.
	sendSlot chan struct{}
}

// Open dials the host's websocket endpoint and performs the session
// handshake (session_init, or session_resume when history is supplied).
func Open(ctx context.Context, endpoint string, opts Options) (*Transport, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	b, err := newBearer(opts.Token, opts.Refresh, opts.RefreshBefore)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	header := http.Header{}
	if token, err := b.current(ctx); err != nil {
		return nil, err
	} else if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: host rejected credentials", lattica.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", lattica.ErrNetworkTransient, endpoint, err)
	}

	t := &Transport{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		bearer:   b,
		outbound: make(chan *Message, opts.QueueSize),
		done:     make(chan struct{}),
		state:    StateConnected,
		sendSlot: make(chan struct{}, 1),
	}
	t.sendSlot <- struct{}{}
	if opts.Signer != nil {
		t.signer = &signer{wallet: opts.Signer, hostAddress: opts.HostAddress, replay: opts.ReplayWindow}
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	// Handshake before the loops start, so the host sees it first.
	handshake := newMessage(TypeSessionInit, opts.SessionID)
	handshake.JobID = opts.JobID
	handshake.ModelConfig = opts.Model
	if opts.Resume != nil {
		handshake.Type = TypeSessionResume
		handshake.ConversationContext = opts.Resume
		handshake.LastMessageIndex = len(opts.Resume) - 1
		t.nextIndex = len(opts.Resume)
	}
	if err := conn.WriteJSON(handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake: %v", lattica.ErrNetworkTransient, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.writeLoop()
	go t.readLoop()
	go t.pingLoop()

	t.logger.Info("transport open", "session_id", opts.SessionID, "endpoint", endpoint,
		"resume", opts.Resume != nil)
	return t, nil
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChunk registers an observer for streamed response chunks.
func (t *Transport) OnChunk(fn func(StreamChunk)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunkObs = append(t.chunkObs, fn)
}

// OnCheckpointNotice registers an observer for host checkpoint notices.
func (t *Transport) OnCheckpointNotice(fn func(CheckpointNotice)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noticeObs = append(t.noticeObs, fn)
}

// OnDisconnect registers an observer notified once when the transport drops.
func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectObs = append(t.disconnectObs, fn)
}

// SendPrompt transmits one prompt and resolves with the complete response.
// Streaming chunks are delivered to chunk observers as they arrive; the
// returned result carries the concatenated text and the accumulated token
// count. A host-side TokenExpired triggers one refresh and one retry.
func (t *Transport) SendPrompt(ctx context.Context, content string, metadata map[string]any) (*PromptResult, error) {
	res, err := t.sendPromptOnce(ctx, content, metadata)
	if errors.Is(err, lattica.ErrTokenExpired) && t.opts.Refresh != nil {
		if rerr := t.bearer.forceRefresh(ctx); rerr != nil {
			return nil, rerr
		}
		return t.sendPromptOnce(ctx, content, metadata)
	}
	return res, err
}

func (t *Transport) sendPromptOnce(ctx context.Context, content string, metadata map[string]any) (*PromptResult, error) {
	if !t.bearer.permitted(OpInference) {
		return nil, fmt.Errorf("%w: inference not permitted by bearer token", lattica.ErrPermissionDenied)
	}

	// One prompt in flight unless batching groups them.
	if !t.opts.Batch {
		select {
		case <-t.sendSlot:
			defer func() { t.sendSlot <- struct{}{} }()
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, t.dropError()
		}
	}

	p := &BatchedPrompt{Content: content, Metadata: metadata}
	if t.opts.Compress && len(content) > t.opts.CompressionThreshold {
		p.Content = base64.StdEncoding.EncodeToString(snappy.Encode(nil, []byte(content)))
		p.Compressed = true
	}
	if t.signer != nil {
		ts, nonce, sig, err := t.signer.sign(ctx, p.Content)
		if err != nil {
			return nil, fmt.Errorf("sign prompt: %w", err)
		}
		p.Timestamp, p.Nonce, p.Signature = ts, nonce, sig
	}

	w := newWaiter()
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return nil, t.dropError()
	}
	p.MessageIndex = t.nextIndex
	t.nextIndex++
	t.pendingPrompt = append(t.pendingPrompt, w)
	t.mu.Unlock()

	if t.opts.Batch {
		t.enqueueBatched(p)
	} else {
		msg := newMessage(TypePrompt, t.opts.SessionID)
		msg.Content = p.Content
		msg.MessageIndex = p.MessageIndex
		msg.Compressed = p.Compressed
		msg.Metadata = p.Metadata
		msg.Streaming = true
		msg.applySignature(p)
		if err := t.enqueue(ctx, msg); err != nil {
			t.abandon(w)
			return nil, err
		}
	}

	return t.await(ctx, w)
}

// applySignature copies signed-mode fields from a batched prompt onto a
// single prompt message.
func (m *Message) applySignature(p *BatchedPrompt) {
	if p.Signature != "" {
		m.Signature = p.Signature
		m.Nonce = p.Nonce
		m.Timestamp = p.Timestamp
	}
}

func (t *Transport) await(ctx context.Context, w *waiter) (*PromptResult, error) {
	timer := time.NewTimer(t.opts.PromptTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-w.result:
			return &PromptResult{Content: w.content.String(), TokensUsed: w.tokens, Meta: msg.Metadata}, nil
		case err := <-w.fail:
			return nil, err
		case <-w.activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(t.opts.PromptTimeout)
		case <-timer.C:
			t.abandon(w)
			return nil, fmt.Errorf("%w: no response activity in %s", lattica.ErrTransportTimeout, t.opts.PromptTimeout)
		case <-ctx.Done():
			t.abandon(w)
			return nil, ctx.Err()
		case <-t.done:
			return nil, t.dropError()
		}
	}
}

// abandon removes a waiter from whichever pending queue still holds it.
func (t *Transport) abandon(w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range []*[]*waiter{&t.pendingPrompt, &t.pendingSearch, &t.pendingEmbed, &t.pendingUpload} {
		for i, cand := range *q {
			if cand == w {
				*q = append((*q)[:i], (*q)[i+1:]...)
				return
			}
		}
	}
}

// SearchVectors asks the host's index for the nearest chunks.
func (t *Transport) SearchVectors(ctx context.Context, queryVector []float64, topK int, threshold float64) ([]lattica.VectorHit, error) {
	if !t.bearer.permitted(OpVectorSearch) {
		return nil, fmt.Errorf("%w: vector search not permitted by bearer token", lattica.ErrPermissionDenied)
	}
	msg := newMessage(TypeSearchVectors, t.opts.SessionID)
	msg.QueryVector = queryVector
	msg.TopK = topK
	msg.Threshold = threshold

	w := newWaiter()
	t.mu.Lock()
	t.pendingSearch = append(t.pendingSearch, w)
	t.mu.Unlock()
	if err := t.enqueue(ctx, msg); err != nil {
		t.abandon(w)
		return nil, err
	}
	res, err := t.awaitMessage(ctx, w)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// EmbedText asks the host to embed text as a query or document vector.
func (t *Transport) EmbedText(ctx context.Context, text string, kind EmbedKind) ([]float64, error) {
	if !t.bearer.permitted(OpVectorSearch) {
		return nil, fmt.Errorf("%w: embedding not permitted by bearer token", lattica.ErrPermissionDenied)
	}
	msg := newMessage(TypeEmbedText, t.opts.SessionID)
	msg.Text = text
	msg.Kind = kind

	w := newWaiter()
	t.mu.Lock()
	t.pendingEmbed = append(t.pendingEmbed, w)
	t.mu.Unlock()
	if err := t.enqueue(ctx, msg); err != nil {
		t.abandon(w)
		return nil, err
	}
	res, err := t.awaitMessage(ctx, w)
	if err != nil {
		return nil, err
	}
	return res.Vector, nil
}

// UploadVectors ships embedded chunks to the host's session index.
func (t *Transport) UploadVectors(ctx context.Context, chunks []*lattica.VectorChunk) (*UploadResult, error) {
	if !t.bearer.permitted(OpVectorSearch) {
		return nil, fmt.Errorf("%w: vector upload not permitted by bearer token", lattica.ErrPermissionDenied)
	}
	msg := newMessage(TypeUploadVectors, t.opts.SessionID)
	msg.Vectors = chunks

	w := newWaiter()
	t.mu.Lock()
	t.pendingUpload = append(t.pendingUpload, w)
	t.mu.Unlock()
	if err := t.enqueue(ctx, msg); err != nil {
		t.abandon(w)
		return nil, err
	}
	res, err := t.awaitMessage(ctx, w)
	if err != nil {
		return nil, err
	}
	return &UploadResult{Uploaded: res.Uploaded, Rejected: res.Rejected, Errors: res.Errors}, nil
}

// RequestCheckpoint asks the host to sign and submit a checkpoint at the
// given cumulative token count. The host answers with checkpoint_notice.
func (t *Transport) RequestCheckpoint(ctx context.Context, cumulativeTokens uint64) error {
	msg := newMessage(TypeCheckpointRequest, t.opts.SessionID)
	msg.CumulativeTokens = cumulativeTokens
	return t.enqueue(ctx, msg)
}

// EndSession tells the host the session is over. The host is expected to
// settle on-chain via completeSession afterwards.
func (t *Transport) EndSession(ctx context.Context, totalTokens uint64) error {
	msg := newMessage(TypeSessionEnd, t.opts.SessionID)
	msg.TotalTokens = totalTokens
	return t.enqueue(ctx, msg)
}

// awaitMessage waits for a unary reply with the idle timeout.
func (t *Transport) awaitMessage(ctx context.Context, w *waiter) (*Message, error) {
	timer := time.NewTimer(t.opts.PromptTimeout)
	defer timer.Stop()
	select {
	case msg := <-w.result:
		return msg, nil
	case err := <-w.fail:
		return nil, err
	case <-timer.C:
		t.abandon(w)
		return nil, fmt.Errorf("%w: no reply in %s", lattica.ErrTransportTimeout, t.opts.PromptTimeout)
	case <-ctx.Done():
		t.abandon(w)
		return nil, ctx.Err()
	case <-t.done:
		return nil, t.dropError()
	}
}

// enqueue puts a message on the bounded outbound queue, suspending under
// backpressure until there is room or the caller gives up.
func (t *Transport) enqueue(ctx context.Context, msg *Message) error {
	if token, err := t.bearer.current(ctx); err != nil {
		return err
	} else if token != "" && token != t.opts.Token {
		// Refreshed token rides along so the host can rotate.
		msg.Token = token
	}
	select {
	case t.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.dropError()
	}
}

// enqueueBatched stages a prompt for the batching window.
func (t *Transport) enqueueBatched(p *BatchedPrompt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchBuf = append(t.batchBuf, p)
	if t.batchTimer == nil {
		t.batchTimer = time.AfterFunc(t.opts.BatchWindow, t.flushBatch)
	}
}

func (t *Transport) flushBatch() {
	t.mu.Lock()
	batch := t.batchBuf
	t.batchBuf = nil
	t.batchTimer = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	msg := newMessage(TypePrompt, t.opts.SessionID)
	msg.Streaming = true
	if len(batch) == 1 {
		p := batch[0]
		msg.Content = p.Content
		msg.MessageIndex = p.MessageIndex
		msg.Compressed = p.Compressed
		msg.Metadata = p.Metadata
		msg.applySignature(p)
	} else {
		msg.Prompts = batch
		msg.MessageIndex = batch[0].MessageIndex
	}
	select {
	case t.outbound <- msg:
	case <-t.done:
	}
}

func (t *Transport) writeLoop() {
	for {
		select {
		case msg := <-t.outbound:
			t.mu.Lock()
			wait := time.Until(t.notBefore)
			t.mu.Unlock()
			if wait > 0 {
				// Host asked for a delay before any further send.
				select {
				case <-time.After(wait):
				case <-t.done:
					return
				}
			}
			if t.limiter != nil {
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					<-t.done
					cancel()
				}()
				err := t.limiter.Wait(ctx)
				cancel()
				if err != nil {
					return
				}
			}
			if err := t.conn.WriteJSON(msg); err != nil {
				t.drop(fmt.Errorf("%w: write: %v", lattica.ErrTransportDropped, err))
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) readLoop() {
	for {
		var msg Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.drop(fmt.Errorf("%w: read: %v", lattica.ErrTransportDropped, err))
			return
		}
		t.dispatch(&msg)
	}
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) dispatch(msg *Message) {
	switch msg.Type {
	case TypeResponse:
		t.handleResponse(msg)
	case TypeSearchResult:
		t.resolve(&t.pendingSearch, msg)
	case TypeEmbedResult:
		t.resolve(&t.pendingEmbed, msg)
	case TypeUploadAck:
		t.resolve(&t.pendingUpload, msg)
	case TypeCheckpointNotice:
		t.mu.Lock()
		obs := append(([]func(CheckpointNotice))(nil), t.noticeObs...)
		t.mu.Unlock()
		notice := CheckpointNotice{
			SessionID:        msg.SessionID,
			CumulativeTokens: msg.CumulativeTokens,
			ProofCID:         msg.ProofCID,
		}
		for _, fn := range obs {
			fn(notice)
		}
	case TypeError:
		t.handleError(msg)
	default:
		t.logger.Debug("ignoring unknown message type", "type", msg.Type, "session_id", msg.SessionID)
	}
}

func (t *Transport) handleResponse(msg *Message) {
	content := msg.Content
	if msg.Compressed {
		raw, err := base64.StdEncoding.DecodeString(content)
		if err == nil {
			if decoded, derr := snappy.Decode(nil, raw); derr == nil {
				content = string(decoded)
			}
		}
	}
	if t.signer != nil {
		if err := t.signer.verify(content, msg.Timestamp, msg.Nonce, msg.Signature); err != nil {
			t.logger.Warn("rejecting unverifiable response", "session_id", msg.SessionID, "error", err)
			t.failHead(&t.pendingPrompt, err)
			return
		}
	}

	t.mu.Lock()
	var w *waiter
	if len(t.pendingPrompt) > 0 {
		w = t.pendingPrompt[0]
		w.content.WriteString(content)
		w.tokens += msg.TokensUsed
		if msg.Done {
			t.pendingPrompt = t.pendingPrompt[1:]
		}
	}
	obs := append(([]func(StreamChunk))(nil), t.chunkObs...)
	t.mu.Unlock()

	for _, fn := range obs {
		fn(StreamChunk{SessionID: msg.SessionID, Chunk: content, Done: msg.Done})
	}
	if w == nil {
		t.logger.Debug("response with no pending prompt", "session_id", msg.SessionID)
		return
	}
	if msg.Done {
		w.result <- msg
		return
	}
	select {
	case w.activity <- struct{}{}:
	default:
	}
}

// resolve pops the queue head and delivers the terminal message.
func (t *Transport) resolve(queue *[]*waiter, msg *Message) {
	t.mu.Lock()
	var w *waiter
	if len(*queue) > 0 {
		w = (*queue)[0]
		*queue = (*queue)[1:]
	}
	t.mu.Unlock()
	if w == nil {
		t.logger.Debug("reply with no pending request", "type", msg.Type)
		return
	}
	w.result <- msg
}

func (t *Transport) handleError(msg *Message) {
	var err error
	switch strings.ToLower(msg.Code) {
	case "rate_limited":
		retryAfter := time.Duration(msg.RetryAfterMs) * time.Millisecond
		t.mu.Lock()
		t.notBefore = time.Now().Add(retryAfter)
		t.mu.Unlock()
		err = &lattica.RateLimitedError{RetryAfter: retryAfter}
	case "token_expired":
		err = fmt.Errorf("%w: host rejected bearer token", lattica.ErrTokenExpired)
	case "permission_denied":
		err = fmt.Errorf("%w: %s", lattica.ErrPermissionDenied, msg.ErrorMessage)
	default:
		err = &lattica.HostError{
			Code:       msg.Code,
			Message:    msg.ErrorMessage,
			RetryAfter: time.Duration(msg.RetryAfterMs) * time.Millisecond,
		}
	}
	// The error belongs to the oldest in-flight operation.
	for _, q := range []*[]*waiter{&t.pendingPrompt, &t.pendingSearch, &t.pendingEmbed, &t.pendingUpload} {
		if t.failHead(q, err) {
			return
		}
	}
	t.logger.Warn("host error with nothing in flight", "code", msg.Code, "message", msg.ErrorMessage)
}

func (t *Transport) failHead(queue *[]*waiter, err error) bool {
	t.mu.Lock()
	var w *waiter
	if len(*queue) > 0 {
		w = (*queue)[0]
		*queue = (*queue)[1:]
	}
	t.mu.Unlock()
	if w == nil {
		return false
	}
	w.fail <- err
	return true
}

// drop transitions to disconnected, fails everything in flight and notifies
// disconnect observers exactly once.
func (t *Transport) drop(err error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	t.dropErr = err
	pending := make([]*waiter, 0)
	for _, q := range []*[]*waiter{&t.pendingPrompt, &t.pendingSearch, &t.pendingEmbed, &t.pendingUpload} {
		pending = append(pending, *q...)
		*q = nil
	}
	obs := append(([]func(error))(nil), t.disconnectObs...)
	close(t.done)
	t.mu.Unlock()

	for _, w := range pending {
		select {
		case w.fail <- err:
		default:
		}
	}
	t.conn.Close()
	t.logger.Warn("transport dropped", "session_id", t.opts.SessionID, "error", err)
	for _, fn := range obs {
		fn(err)
	}
}

func (t *Transport) dropError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropErr != nil {
		return t.dropErr
	}
	return lattica.ErrTransportClosed
}

// Close shuts the transport down deliberately. In-flight operations fail
// with TransportClosed; no disconnect notification fires.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	wasConnected := t.state == StateConnected
	t.state = StateClosed
	t.dropErr = lattica.ErrTransportClosed
	pending := make([]*waiter, 0)
	for _, q := range []*[]*waiter{&t.pendingPrompt, &t.pendingSearch, &t.pendingEmbed, &t.pendingUpload} {
		pending = append(pending, *q...)
		*q = nil
	}
	if wasConnected {
		close(t.done)
	}
	t.mu.Unlock()

	for _, w := range pending {
		select {
		case w.fail <- lattica.ErrTransportClosed:
		default:
		}
	}
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.conn.Close()
}

package discovery

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Quality buckets a connection by latency and packet loss.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// ConnMetrics is the tracked view of one host's connection.
type ConnMetrics struct {
	LatencyEWMA time.Duration `json:"latency_ewma"`
	PacketLoss  float64       `json:"packet_loss"`
	Samples     int           `json:"samples"`
	Quality     Quality       `json:"quality"`
}

// ewmaAlpha weights the newest latency sample.
const ewmaAlpha = 0.2

// peerTrackerSize bounds how many hosts are tracked at once.
const peerTrackerSize = 1024

type peerState struct {
	successes int
	failures  int

	ewmaMs  float64
	lost    int
	samples int
}

// peerTracker keeps reputation and connection metrics for recently seen
// hosts. The LRU bound keeps long-running discovery from growing without
// limit across churning host sets.
type peerTracker struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newPeerTracker() *peerTracker {
	cache, _ := lru.New(peerTrackerSize)
	return &peerTracker{cache: cache}
}

func (t *peerTracker) state(hostID string) *peerState {
	if v, ok := t.cache.Get(hostID); ok {
		return v.(*peerState)
	}
	st := &peerState{}
	t.cache.Add(hostID, st)
	return st
}

func (t *peerTracker) update(hostID string, successes, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(hostID)
	st.successes += successes
	st.failures += failures
}

func (t *peerTracker) reputation(hostID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(hostID)
	if !ok {
		return 0, false
	}
	st := v.(*peerState)
	total := st.successes + st.failures
	if total == 0 {
		return 0, false
	}
	return float64(st.successes) / float64(total), true
}

func (t *peerTracker) recordLatency(hostID string, latency time.Duration, lost bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(hostID)
	st.samples++
	if lost {
		st.lost++
		return
	}
	ms := float64(latency.Milliseconds())
	if st.ewmaMs == 0 {
		st.ewmaMs = ms
	} else {
		st.ewmaMs = ewmaAlpha*ms + (1-ewmaAlpha)*st.ewmaMs
	}
}

func (t *peerTracker) metrics(hostID string) (ConnMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(hostID)
	if !ok {
		return ConnMetrics{}, false
	}
	st := v.(*peerState)
	var loss float64
	if st.samples > 0 {
		loss = float64(st.lost) / float64(st.samples)
	}
	m := ConnMetrics{
		LatencyEWMA: time.Duration(st.ewmaMs) * time.Millisecond,
		PacketLoss:  loss,
		Samples:     st.samples,
	}
	m.Quality = bucket(st.ewmaMs, loss)
	return m, true
}

func bucket(ewmaMs, loss float64) Quality {
	switch {
	case ewmaMs < 50 && loss < 0.01:
		return QualityExcellent
	case ewmaMs < 150 && loss < 0.05:
		return QualityGood
	case ewmaMs < 400 && loss < 0.10:
		return QualityFair
	default:
		return QualityPoor
	}
}

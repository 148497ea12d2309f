// Package selector picks an inference host from a discovered candidate set.
//
// Four strategies are provided: cheapest stable price, lowest latency,
// capability match, and a weighted composite over normalized metrics. A
// requirement filter and a stateful round-robin balancer complete the
// selection surface. Selection never mutates the candidate hosts.
package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/latticanet/lattica"
)

// Strategy names a selection policy.
type Strategy string

const (
	StrategyPrice      Strategy = "price"
	StrategyLatency    Strategy = "latency"
	StrategyCapability Strategy = "capability"
	StrategyComposite  Strategy = "composite"
)

// Requirements are hard constraints for filtering. A host with missing data
// for a present constraint fails that constraint.
type Requirements struct {
	Models       []string
	Capabilities []string
	MaxPrice     uint64 // against PricePerTokenStable
	MaxLatency   int64  // milliseconds
}

// Weights drive the composite strategy and RankHosts. They need not sum to 1.
type Weights struct {
	Price       float64
	Latency     float64
	Reliability float64
}

// Ranked pairs a host with its composite score and the per-metric breakdown.
type Ranked struct {
	Host      *lattica.Host
	Score     float64
	Breakdown map[string]float64
}

// Selector chooses hosts. The round-robin cursor and success feedback are
// per-instance state.
type Selector struct {
	preferredRegion string
	preferredCaps   []string

	mu        sync.Mutex
	rrCursor  int
	rrIDs     map[string]bool
	successes map[string]int
	failures  map[string]int
}

// Option customizes a Selector.
type Option func(*Selector)

// WithPreferredRegion breaks latency ties toward the given region.
func WithPreferredRegion(region string) Option {
	return func(s *Selector) { s.preferredRegion = region }
}

// WithPreferredCapabilities ranks capability-strategy candidates by how many
// of these they advertise.
func WithPreferredCapabilities(caps ...string) Option {
	return func(s *Selector) { s.preferredCaps = caps }
}

// New creates a Selector.
func New(opts ...Option) *Selector {
	s := &Selector{
		successes: make(map[string]int),
		failures:  make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FilterByRequirements returns the hosts satisfying every present constraint.
func FilterByRequirements(hosts []*lattica.Host, req Requirements) []*lattica.Host {
	out := make([]*lattica.Host, 0, len(hosts))
	for _, h := range hosts {
		if !meetsRequirements(h, req) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func meetsRequirements(h *lattica.Host, req Requirements) bool {
	for _, m := range req.Models {
		if !h.HasModel(m) {
			return false
		}
	}
	for _, c := range req.Capabilities {
		if !h.HasCapability(c) {
			return false
		}
	}
	if req.MaxPrice > 0 {
		if h.PricePerTokenStable == 0 || h.PricePerTokenStable > req.MaxPrice {
			return false
		}
	}
	if req.MaxLatency > 0 {
		if h.LatencyMs <= 0 || h.LatencyMs > req.MaxLatency {
			return false
		}
	}
	return true
}

// Select applies the named strategy to the candidate set.
func (s *Selector) Select(hosts []*lattica.Host, strategy Strategy, weights Weights) (*lattica.Host, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no candidate hosts", lattica.ErrHostUnavailable)
	}
	switch strategy {
	case StrategyPrice:
		return s.selectByPrice(hosts), nil
	case StrategyLatency:
		return s.selectByLatency(hosts), nil
	case StrategyCapability:
		return s.selectByCapability(hosts), nil
	case StrategyComposite:
		ranked := s.RankHosts(hosts, weights)
		return ranked[0].Host, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", lattica.ErrInvalidConfig, strategy)
	}
}

func (s *Selector) selectByPrice(hosts []*lattica.Host) *lattica.Host {
	best := hosts[0]
	for _, h := range hosts[1:] {
		if h.PricePerTokenStable < best.PricePerTokenStable {
			best = h
		}
	}
	return best
}

func (s *Selector) selectByLatency(hosts []*lattica.Host) *lattica.Host {
	best := hosts[0]
	for _, h := range hosts[1:] {
		switch {
		case !known(best.LatencyMs) && known(h.LatencyMs):
			best = h
		case known(h.LatencyMs) && h.LatencyMs < best.LatencyMs:
			best = h
		case known(h.LatencyMs) && h.LatencyMs == best.LatencyMs:
			// Tie goes to the preferred region.
			if s.preferredRegion != "" && h.Region == s.preferredRegion && best.Region != s.preferredRegion {
				best = h
			}
		}
	}
	return best
}

func known(latencyMs int64) bool { return latencyMs > 0 }

func (s *Selector) selectByCapability(hosts []*lattica.Host) *lattica.Host {
	best := hosts[0]
	bestCount := s.preferredCapCount(best)
	for _, h := range hosts[1:] {
		if c := s.preferredCapCount(h); c > bestCount {
			best, bestCount = h, c
		}
	}
	return best
}

func (s *Selector) preferredCapCount(h *lattica.Host) int {
	count := 0
	for _, c := range s.preferredCaps {
		if h.HasCapability(c) {
			count++
		}
	}
	return count
}

// RankHosts scores every candidate: each metric is min-max normalized to
// [0, 1] across the set (lower-is-better metrics inverted) and linearly
// combined under the weights. Missing metrics contribute a neutral 0.5.
// The result is sorted best-first.
func (s *Selector) RankHosts(hosts []*lattica.Host, weights Weights) []Ranked {
	prices := normalize(hosts, func(h *lattica.Host) (float64, bool) {
		return float64(h.PricePerTokenStable), h.PricePerTokenStable > 0
	}, true)
	latencies := normalize(hosts, func(h *lattica.Host) (float64, bool) {
		return float64(h.LatencyMs), known(h.LatencyMs)
	}, true)
	reliabilities := normalize(hosts, func(h *lattica.Host) (float64, bool) {
		if r, ok := s.observedReliability(h.ID); ok {
			return r, true
		}
		return h.ReliabilityScore, h.ReliabilityScore > 0
	}, false)

	ranked := make([]Ranked, len(hosts))
	for i, h := range hosts {
		breakdown := map[string]float64{
			"price":       prices[i],
			"latency":     latencies[i],
			"reliability": reliabilities[i],
		}
		score := weights.Price*prices[i] + weights.Latency*latencies[i] + weights.Reliability*reliabilities[i]
		ranked[i] = Ranked{Host: h, Score: score, Breakdown: breakdown}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// normalize min-max scales one metric across the candidate set. invert flips
// lower-is-better metrics so 1 is always best. Hosts missing the metric get
// the neutral 0.5; a degenerate range (all equal) also yields 0.5.
func normalize(hosts []*lattica.Host, metric func(*lattica.Host) (float64, bool), invert bool) []float64 {
	const neutral = 0.5
	values := make([]float64, len(hosts))
	present := make([]bool, len(hosts))
	min, max := 0.0, 0.0
	first := true
	for i, h := range hosts {
		v, ok := metric(h)
		values[i], present[i] = v, ok
		if !ok {
			continue
		}
		if first || v < min {
			min = v
		}
		if first || v > max {
			max = v
		}
		first = false
	}

	out := make([]float64, len(hosts))
	for i := range hosts {
		if !present[i] || max == min {
			out[i] = neutral
			continue
		}
		n := (values[i] - min) / (max - min)
		if invert {
			n = 1 - n
		}
		out[i] = n
	}
	return out
}

// LoadBalance rotates through the host set round-robin. The cursor resets
// whenever the candidate ID set differs from the previous call's.
func (s *Selector) LoadBalance(hosts []*lattica.Host) (*lattica.Host, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no candidate hosts", lattica.ErrHostUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		ids[h.ID] = true
	}
	if !sameIDSet(ids, s.rrIDs) {
		s.rrCursor = 0
		s.rrIDs = ids
	}
	h := hosts[s.rrCursor%len(hosts)]
	s.rrCursor++
	return h, nil
}

func sameIDSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// RecordSuccess feeds a request outcome back into the composite strategy's
// reliability metric. It has no effect on the other strategies.
func (s *Selector) RecordSuccess(hostID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.successes[hostID]++
	} else {
		s.failures[hostID]++
	}
}

func (s *Selector) observedReliability(hostID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.successes[hostID] + s.failures[hostID]
	if total == 0 {
		return 0, false
	}
	return float64(s.successes[hostID]) / float64(total), true
}

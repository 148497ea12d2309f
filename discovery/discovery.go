// Package discovery finds inference hosts across several sources and merges
// their observations into one deduplicated, cached view.
//
// Sources are queried in parallel with a per-source timeout; a failing source
// never reduces the merged set below what the others contributed. Hosts are
// keyed by ID and merged field-by-field with the newer observation winning.
// The merged set is cached under a TTL, blacklisted hosts are filtered out,
// and preferred peers surface first.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
)

const (
	// DefaultSourceTimeout bounds each source query during a fan-out.
	DefaultSourceTimeout = 5 * time.Second

	// DefaultCacheTTL is how long a merged discovery result stays fresh.
	DefaultCacheTTL = 60 * time.Second

	// DefaultBlacklistTTL applies when Blacklist is called without a TTL.
	DefaultBlacklistTTL = 10 * time.Minute

	// latencyStaleness drops an observation's latency from the merge when the
	// observation is older than this.
	latencyStaleness = 5 * time.Minute
)

// Source produces host observations from one discovery mechanism.
type Source interface {
	Name() lattica.DiscoverySource
	Discover(ctx context.Context) ([]*lattica.DiscoveryObservation, error)
}

// Filter narrows a discovery result. Zero fields are ignored.
type Filter struct {
	Model        string
	Region       string
	MaxPrice     uint64 // against PricePerTokenStable
	Capabilities []string
}

func (f *Filter) matches(h *lattica.Host) bool {
	if f == nil {
		return true
	}
	if f.Model != "" && !h.HasModel(f.Model) {
		return false
	}
	if f.Region != "" && h.Region != f.Region {
		return false
	}
	if f.MaxPrice > 0 && h.PricePerTokenStable > f.MaxPrice {
		return false
	}
	for _, c := range f.Capabilities {
		if !h.HasCapability(c) {
			return false
		}
	}
	return true
}

// DiscoverOptions tune one DiscoverAll call.
type DiscoverOptions struct {
	ForceRefresh bool
}

// SourceStats counts one source's outcomes.
type SourceStats struct {
	Attempts  int           `json:"attempts"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	AvgTime   time.Duration `json:"avg_time"`

	totalTime time.Duration
}

// Statistics is the aggregate view returned by Service.Statistics.
type Statistics struct {
	PerSource       map[lattica.DiscoverySource]SourceStats `json:"per_source"`
	CacheHitRate    float64                                 `json:"cache_hit_rate"`
	TotalSelections int                                     `json:"total_selections"`
}

// Options configures a Service.
type Options struct {
	SourceTimeout time.Duration
	CacheTTL      time.Duration
	Logger        slogger.Logger
}

type blacklistEntry struct {
	reason    string
	expiresAt time.Time
}

// Service is the multi-source host discovery engine.
type Service struct {
	timeout time.Duration
	logger  slogger.Logger

	mu        sync.Mutex
	sources   []Source // priority order
	enabled   map[lattica.DiscoverySource]bool
	cacheTTL  time.Duration
	cached    []*lattica.Host
	cachedAt  time.Time
	stats     map[lattica.DiscoverySource]*SourceStats
	cacheHits int
	cacheMiss int
	selected  int
	blacklist map[string]blacklistEntry
	preferred map[string]int
	peers     *peerTracker
}

// New creates a discovery service over the given sources, in priority order.
func New(sources []Source, opts Options) *Service {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	enabled := make(map[lattica.DiscoverySource]bool, len(sources))
	stats := make(map[lattica.DiscoverySource]*SourceStats, len(sources))
	for _, s := range sources {
		enabled[s.Name()] = true
		stats[s.Name()] = &SourceStats{}
	}
	return &Service{
		timeout:   opts.SourceTimeout,
		logger:    opts.Logger,
		sources:   sources,
		enabled:   enabled,
		cacheTTL:  opts.CacheTTL,
		stats:     stats,
		blacklist: make(map[string]blacklistEntry),
		preferred: make(map[string]int),
		peers:     newPeerTracker(),
	}
}

// SetPriority reorders the sources; unnamed sources keep their relative order
// after the named ones.
func (s *Service) SetPriority(order []lattica.DiscoverySource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := make(map[lattica.DiscoverySource]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	sort.SliceStable(s.sources, func(i, j int) bool {
		ri, oki := rank[s.sources[i].Name()]
		rj, okj := rank[s.sources[j].Name()]
		if oki && okj {
			return ri < rj
		}
		return oki && !okj
	})
}

// EnableSource toggles a source without removing it.
func (s *Service) EnableSource(name lattica.DiscoverySource, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[name] = on
}

// SetCacheTTL changes the freshness window for merged results.
func (s *Service) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheTTL = ttl
}

// DiscoverAll queries all enabled sources, merges and filters the result.
// When every source fails, the last cached set is returned if present,
// otherwise an empty set. The error is nil unless the context was cancelled.
func (s *Service) DiscoverAll(ctx context.Context, filter *Filter, opts *DiscoverOptions) ([]*lattica.Host, error) {
	force := opts != nil && opts.ForceRefresh

	s.mu.Lock()
	if !force && time.Since(s.cachedAt) < s.cacheTTL && s.cached != nil {
		s.cacheHits++
		merged := s.snapshotLocked()
		s.mu.Unlock()
		return s.finish(merged, filter), nil
	}
	s.cacheMiss++
	sources := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		if s.enabled[src.Name()] {
			sources = append(sources, src)
		}
	}
	s.mu.Unlock()

	observations := s.fanOut(ctx, sources)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if len(observations) > 0 || s.cached == nil {
		s.cached = mergeObservations(observations, sourceRank(sources))
		s.cachedAt = time.Now()
	}
	merged := s.snapshotLocked()
	s.mu.Unlock()

	return s.finish(merged, filter), nil
}

// fanOut runs every source in parallel under the per-source timeout and
// collects the observations. Source failures are counted, logged and
// otherwise ignored.
func (s *Service) fanOut(ctx context.Context, sources []Source) []*lattica.DiscoveryObservation {
	var (
		mu  sync.Mutex
		all []*lattica.DiscoveryObservation
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			start := time.Now()
			srcCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			obs, err := src.Discover(srcCtx)
			elapsed := time.Since(start)

			s.mu.Lock()
			st := s.stats[src.Name()]
			st.Attempts++
			st.totalTime += elapsed
			if err != nil {
				st.Failures++
			} else {
				st.Successes++
			}
			st.AvgTime = st.totalTime / time.Duration(st.Attempts)
			s.mu.Unlock()

			if err != nil {
				s.logger.Warn("discovery source failed", "source", src.Name(), "error", err)
				return nil // never aborts the fan-out
			}
			mu.Lock()
			all = append(all, obs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // sources never return errors upward
	return all
}

func sourceRank(sources []Source) map[lattica.DiscoverySource]int {
	rank := make(map[lattica.DiscoverySource]int, len(sources))
	for i, s := range sources {
		rank[s.Name()] = i
	}
	return rank
}

// mergeObservations dedups by host ID with newer-wins field merge; ties on
// observation time go to the higher-priority source. Latency observed longer
// ago than the staleness threshold is dropped.
func mergeObservations(observations []*lattica.DiscoveryObservation, rank map[lattica.DiscoverySource]int) []*lattica.Host {
	type entry struct {
		host       *lattica.Host
		observedAt time.Time
		source     lattica.DiscoverySource
	}
	now := time.Now()
	byID := make(map[string]*entry)
	var order []string

	for _, obs := range observations {
		if obs.Host == nil || obs.Host.ID == "" {
			continue
		}
		incoming := obs.Host.Copy()
		if now.Sub(obs.ObservedAt) > latencyStaleness {
			incoming.LatencyMs = -1
		}
		cur, ok := byID[obs.Host.ID]
		if !ok {
			byID[obs.Host.ID] = &entry{host: incoming, observedAt: obs.ObservedAt, source: obs.Source}
			order = append(order, obs.Host.ID)
			continue
		}
		newer := obs.ObservedAt.After(cur.observedAt) ||
			(obs.ObservedAt.Equal(cur.observedAt) && rank[obs.Source] < rank[cur.source])
		if newer {
			mergeInto(incoming, cur.host)
			cur.host = incoming
			cur.observedAt = obs.ObservedAt
			cur.source = obs.Source
		} else {
			mergeInto(cur.host, incoming)
		}
	}

	hosts := make([]*lattica.Host, 0, len(order))
	for _, id := range order {
		hosts = append(hosts, byID[id].host)
	}
	return hosts
}

// mergeInto fills dst's zero fields from src; dst's non-zero fields win.
func mergeInto(dst, src *lattica.Host) {
	if dst.URL == "" {
		dst.URL = src.URL
	}
	if len(dst.Models) == 0 {
		dst.Models = append([]string(nil), src.Models...)
	}
	if dst.PricePerTokenNative == 0 {
		dst.PricePerTokenNative = src.PricePerTokenNative
	}
	if dst.PricePerTokenStable == 0 {
		dst.PricePerTokenStable = src.PricePerTokenStable
	}
	if dst.LatencyMs <= 0 && src.LatencyMs > 0 {
		dst.LatencyMs = src.LatencyMs
	}
	if dst.Region == "" {
		dst.Region = src.Region
	}
	if len(dst.Capabilities) == 0 {
		dst.Capabilities = append([]string(nil), src.Capabilities...)
	}
	if dst.ReliabilityScore == 0 {
		dst.ReliabilityScore = src.ReliabilityScore
	}
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}
}

func (s *Service) snapshotLocked() []*lattica.Host {
	out := make([]*lattica.Host, 0, len(s.cached))
	for _, h := range s.cached {
		out = append(out, h.Copy())
	}
	return out
}

// finish applies blacklist, reputation decoration, the caller's filter, and
// preferred-peer ordering.
func (s *Service) finish(hosts []*lattica.Host, filter *Filter) []*lattica.Host {
	s.mu.Lock()
	now := time.Now()
	for id, e := range s.blacklist {
		if now.After(e.expiresAt) {
			delete(s.blacklist, id)
		}
	}
	blocked := make(map[string]bool, len(s.blacklist))
	for id := range s.blacklist {
		blocked[id] = true
	}
	preferred := make(map[string]int, len(s.preferred))
	for id, p := range s.preferred {
		preferred[id] = p
	}
	s.selected++
	s.mu.Unlock()

	out := hosts[:0]
	for _, h := range hosts {
		if blocked[h.ID] || !filter.matches(h) {
			continue
		}
		if score, ok := s.peers.reputation(h.ID); ok {
			h.ReliabilityScore = score
		}
		out = append(out, h)
	}
	// Preferred peers first, higher priority first; everything else keeps
	// merge order.
	sort.SliceStable(out, func(i, j int) bool {
		return preferred[out[i].ID] > preferred[out[j].ID]
	})
	return out
}

// Blacklist excludes a host from discovery results until ttl expires. A zero
// ttl uses the default.
func (s *Service) Blacklist(hostID, reason string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[hostID] = blacklistEntry{reason: reason, expiresAt: time.Now().Add(ttl)}
	s.logger.Info("host blacklisted", "host_id", hostID, "reason", reason, "ttl", ttl)
}

// AddPreferredPeer surfaces the host ahead of others when constraints tie.
func (s *Service) AddPreferredPeer(hostID string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred[hostID] = priority
}

// ReportHost records a problem with a host, counting against its reputation.
func (s *Service) ReportHost(hostID, issue string) {
	s.logger.Warn("host reported", "host_id", hostID, "issue", issue)
	s.peers.update(hostID, 0, 1)
}

// UpdateReputation feeds request outcomes into the host's score in [0, 1].
func (s *Service) UpdateReputation(hostID string, successfulRequests, failedRequests int) {
	s.peers.update(hostID, successfulRequests, failedRequests)
}

// RecordLatency feeds one latency sample into the host's connection metrics.
func (s *Service) RecordLatency(hostID string, latency time.Duration, lost bool) {
	s.peers.recordLatency(hostID, latency, lost)
}

// ConnectionMetrics returns the host's latency EWMA and quality bucket.
func (s *Service) ConnectionMetrics(hostID string) (ConnMetrics, bool) {
	return s.peers.metrics(hostID)
}

// Statistics reports per-source outcomes and cache effectiveness.
func (s *Service) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	per := make(map[lattica.DiscoverySource]SourceStats, len(s.stats))
	for name, st := range s.stats {
		per[name] = *st
	}
	var hitRate float64
	if total := s.cacheHits + s.cacheMiss; total > 0 {
		hitRate = float64(s.cacheHits) / float64(total)
	}
	return Statistics{
		PerSource:       per,
		CacheHitRate:    hitRate,
		TotalSelections: s.selected,
	}
}

package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticanet/lattica"
)

func host(id string, mutate func(*lattica.Host)) *lattica.Host {
	h := &lattica.Host{
		ID:                  id,
		URL:                 "https://" + id + ".example",
		Models:              []string{"llama-70b"},
		PricePerTokenStable: 2000,
		LatencyMs:           -1,
	}
	if mutate != nil {
		mutate(h)
	}
	return h
}

func TestFilterByRequirements(t *testing.T) {
	hosts := []*lattica.Host{
		host("ok", func(h *lattica.Host) {
			h.LatencyMs = 50
			h.Capabilities = []string{"streaming", "vector-search"}
		}),
		host("wrong-model", func(h *lattica.Host) { h.Models = []string{"mistral-7b"} }),
		host("too-pricey", func(h *lattica.Host) { h.PricePerTokenStable = 9000; h.LatencyMs = 10 }),
		host("no-latency-data", func(h *lattica.Host) { h.Capabilities = []string{"streaming"} }),
	}
	req := Requirements{
		Models:       []string{"llama-70b"},
		Capabilities: []string{"streaming"},
		MaxPrice:     5000,
		MaxLatency:   100,
	}
	// Missing latency data fails the MaxLatency constraint.
	got := FilterByRequirements(hosts, req)
	require.Len(t, got, 1)
	require.Equal(t, "ok", got[0].ID)
}

func TestSelectByPrice(t *testing.T) {
	s := New()
	hosts := []*lattica.Host{
		host("a", func(h *lattica.Host) { h.PricePerTokenStable = 3000 }),
		host("b", func(h *lattica.Host) { h.PricePerTokenStable = 1000 }),
		host("c", func(h *lattica.Host) { h.PricePerTokenStable = 2000 }),
	}
	got, err := s.Select(hosts, StrategyPrice, Weights{})
	require.NoError(t, err)
	require.Equal(t, "b", got.ID)
}

func TestSelectByLatencyPrefersRegionOnTie(t *testing.T) {
	s := New(WithPreferredRegion("eu-west"))
	hosts := []*lattica.Host{
		host("us", func(h *lattica.Host) { h.LatencyMs = 40; h.Region = "us-east" }),
		host("eu", func(h *lattica.Host) { h.LatencyMs = 40; h.Region = "eu-west" }),
		host("slow", func(h *lattica.Host) { h.LatencyMs = 200 }),
		host("unknown", nil),
	}
	got, err := s.Select(hosts, StrategyLatency, Weights{})
	require.NoError(t, err)
	require.Equal(t, "eu", got.ID)
}

func TestSelectByCapability(t *testing.T) {
	s := New(WithPreferredCapabilities("vector-search", "web-search"))
	hosts := []*lattica.Host{
		host("plain", nil),
		host("rich", func(h *lattica.Host) { h.Capabilities = []string{"vector-search", "web-search"} }),
		host("partial", func(h *lattica.Host) { h.Capabilities = []string{"vector-search"} }),
	}
	got, err := s.Select(hosts, StrategyCapability, Weights{})
	require.NoError(t, err)
	require.Equal(t, "rich", got.ID)
}

func TestRankHostsNormalization(t *testing.T) {
	s := New()
	hosts := []*lattica.Host{
		host("cheap-slow", func(h *lattica.Host) { h.PricePerTokenStable = 1000; h.LatencyMs = 500 }),
		host("pricey-fast", func(h *lattica.Host) { h.PricePerTokenStable = 5000; h.LatencyMs = 20 }),
		host("no-data", func(h *lattica.Host) { h.PricePerTokenStable = 0 }),
	}
	ranked := s.RankHosts(hosts, Weights{Price: 1, Latency: 1})
	byID := make(map[string]Ranked)
	for _, r := range ranked {
		byID[r.Host.ID] = r
	}

	require.InDelta(t, 1.0, byID["cheap-slow"].Breakdown["price"], 1e-9)
	require.InDelta(t, 0.0, byID["cheap-slow"].Breakdown["latency"], 1e-9)
	require.InDelta(t, 0.0, byID["pricey-fast"].Breakdown["price"], 1e-9)
	require.InDelta(t, 1.0, byID["pricey-fast"].Breakdown["latency"], 1e-9)
	// Missing metrics are neutral.
	require.InDelta(t, 0.5, byID["no-data"].Breakdown["price"], 1e-9)
	require.InDelta(t, 0.5, byID["no-data"].Breakdown["latency"], 1e-9)
}

func TestCompositeUsesSuccessFeedback(t *testing.T) {
	s := New()
	hosts := []*lattica.Host{
		host("flaky", nil),
		host("solid", nil),
	}
	for i := 0; i < 10; i++ {
		s.RecordSuccess("solid", true)
		s.RecordSuccess("flaky", i%2 == 0)
	}
	got, err := s.Select(hosts, StrategyComposite, Weights{Reliability: 1})
	require.NoError(t, err)
	require.Equal(t, "solid", got.ID)
}

func TestLoadBalanceFairness(t *testing.T) {
	s := New()
	hosts := []*lattica.Host{host("a", nil), host("b", nil), host("c", nil)}

	counts := make(map[string]int)
	const k = 10
	for i := 0; i < k; i++ {
		h, err := s.LoadBalance(hosts)
		require.NoError(t, err)
		counts[h.ID]++
	}
	// Every host appears floor(k/n) or ceil(k/n) times.
	for id, n := range counts {
		require.Contains(t, []int{3, 4}, n, "host %s", id)
	}
}

func TestLoadBalanceResetsOnIDSetChange(t *testing.T) {
	s := New()
	set1 := []*lattica.Host{host("a", nil), host("b", nil)}
	set2 := []*lattica.Host{host("a", nil), host("c", nil)}

	h, err := s.LoadBalance(set1)
	require.NoError(t, err)
	require.Equal(t, "a", h.ID)
	h, err = s.LoadBalance(set1)
	require.NoError(t, err)
	require.Equal(t, "b", h.ID)

	// Different id-set: cursor restarts.
	h, err = s.LoadBalance(set2)
	require.NoError(t, err)
	require.Equal(t, "a", h.ID)

	// Same id-set in a different order keeps the cursor.
	h, err = s.LoadBalance([]*lattica.Host{host("c", nil), host("a", nil)})
	require.NoError(t, err)
	require.Equal(t, "a", h.ID)
}

func TestSelectEmptyAndUnknown(t *testing.T) {
	s := New()
	_, err := s.Select(nil, StrategyPrice, Weights{})
	require.ErrorIs(t, err, lattica.ErrHostUnavailable)

	_, err = s.Select([]*lattica.Host{host("a", nil)}, Strategy("random"), Weights{})
	require.ErrorIs(t, err, lattica.ErrInvalidConfig)

	_, err = s.LoadBalance(nil)
	require.ErrorIs(t, err, lattica.ErrHostUnavailable)
}

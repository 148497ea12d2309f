package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/contract"
	"github.com/latticanet/lattica/slogger"
)

// RegistrySource queries a centralized HTTP host registry.
//
// Endpoints: GET /api/hosts, GET /api/hosts/{id}, POST /api/hosts/{id}/report,
// GET /api/hosts/{id}/ping.
type RegistrySource struct {
	baseURL string
	client  *http.Client
	query   RegistryQuery
	logger  slogger.Logger
}

// RegistryQuery is passed through as query parameters; zero fields are
// omitted.
type RegistryQuery struct {
	Model    string
	MaxPrice uint64
	Region   string
	SortBy   string // "price" or "latency"
}

// NewRegistrySource creates a registry source against the given base URL.
func NewRegistrySource(baseURL string, query RegistryQuery, logger slogger.Logger) *RegistrySource {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &RegistrySource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		query:   query,
		logger:  logger,
	}
}

func (r *RegistrySource) Name() lattica.DiscoverySource {
	return lattica.SourceHTTPRegistry
}

func (r *RegistrySource) Discover(ctx context.Context) ([]*lattica.DiscoveryObservation, error) {
	q := url.Values{}
	if r.query.Model != "" {
		q.Set("model", r.query.Model)
	}
	if r.query.MaxPrice > 0 {
		q.Set("maxPrice", strconv.FormatUint(r.query.MaxPrice, 10))
	}
	if r.query.Region != "" {
		q.Set("region", r.query.Region)
	}
	if r.query.SortBy != "" {
		q.Set("sortBy", r.query.SortBy)
	}
	endpoint := r.baseURL + "/api/hosts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: registry: %v", lattica.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: registry returned %d", lattica.ErrNetworkTransient, resp.StatusCode)
	}

	var payload struct {
		Hosts []*lattica.Host `json:"hosts"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("registry payload: %w", err)
	}

	now := time.Now()
	observations := make([]*lattica.DiscoveryObservation, 0, len(payload.Hosts))
	for _, h := range payload.Hosts {
		h.Source = lattica.SourceHTTPRegistry
		if h.LastSeenAt.IsZero() {
			h.LastSeenAt = now
		}
		observations = append(observations, &lattica.DiscoveryObservation{
			HostID:     h.ID,
			Source:     lattica.SourceHTTPRegistry,
			ObservedAt: h.LastSeenAt,
			Host:       h,
		})
	}
	return observations, nil
}

// Report files an issue against a host with the registry.
func (r *RegistrySource) Report(ctx context.Context, hostID, issue string) error {
	body := strings.NewReader(fmt.Sprintf(`{"issue":%q}`, issue))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/hosts/"+url.PathEscape(hostID)+"/report", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: registry report: %v", lattica.ErrNetworkTransient, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: registry report returned %d", lattica.ErrNetworkTransient, resp.StatusCode)
	}
	return nil
}

// ContractSource surfaces the hosts registered on-chain with the
// marketplace. It reports as the bootstrap source since the chain is the
// network's ground truth for staked hosts.
type ContractSource struct {
	facade contract.Facade
}

func NewContractSource(facade contract.Facade) *ContractSource {
	return &ContractSource{facade: facade}
}

func (c *ContractSource) Name() lattica.DiscoverySource {
	return lattica.SourceBootstrap
}

func (c *ContractSource) Discover(ctx context.Context) ([]*lattica.DiscoveryObservation, error) {
	hosts, err := c.facade.DiscoverActiveHostsWithModels(ctx)
	if err != nil {
		return nil, err
	}
	observations := make([]*lattica.DiscoveryObservation, 0, len(hosts))
	for _, h := range hosts {
		observations = append(observations, &lattica.DiscoveryObservation{
			HostID:     h.ID,
			Source:     lattica.SourceBootstrap,
			ObservedAt: h.LastSeenAt,
			Host:       h,
		})
	}
	return observations, nil
}

// StaticSource serves a fixed observation set. It carries configured DHT
// seed peers and backs tests.
type StaticSource struct {
	name         lattica.DiscoverySource
	observations []*lattica.DiscoveryObservation
	err          error
}

func NewStaticSource(name lattica.DiscoverySource, observations []*lattica.DiscoveryObservation) *StaticSource {
	return &StaticSource{name: name, observations: observations}
}

// NewFailingSource always fails; tests use it to exercise the fallback chain.
func NewFailingSource(name lattica.DiscoverySource, err error) *StaticSource {
	return &StaticSource{name: name, err: err}
}

func (s *StaticSource) Name() lattica.DiscoverySource {
	return s.name
}

func (s *StaticSource) Discover(ctx context.Context) ([]*lattica.DiscoveryObservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.observations, nil
}

// PingHost measures round-trip latency to a host URL in milliseconds,
// returning -1 on timeout or error.
func (s *Service) PingHost(ctx context.Context, hostURL string) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(hostURL, "/")+"/ping", nil)
	if err != nil {
		return -1
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return -1
	}
	resp.Body.Close()
	return time.Since(start).Milliseconds()
}

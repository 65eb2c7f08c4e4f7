// Package clients provides HTTP clients for the auxiliary services
// (sentiment scoring, volatility forecasting) behind a failover endpoint
// pool.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"voltrader/internal/config"
)

// ErrRateLimited reports that the service refused the request with 429.
// Callers should back off rather than fail over to another endpoint.
var ErrRateLimited = errors.New("rate limited")

type endpoint struct {
	baseURL        string
	failureCount   int
	unhealthyUntil time.Time
}

// EndpointHealth is one entry of the pool's observability snapshot.
type EndpointHealth struct {
	BaseURL           string  `json:"base_url"`
	Available         bool    `json:"available"`
	CooldownRemaining float64 `json:"cooldown_remaining"`
}

// Pool rotates requests round-robin over several base URLs for one service.
// An endpoint that fails failureThreshold times in a row is put on cooldown;
// when every endpoint is cooling down the least-recently-failed one is used
// anyway.
type Pool struct {
	name      string
	http      *resty.Client
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	endpoints []*endpoint
	cursor    int
}

// NewPool builds a pool from the service config. Endpoints are deduplicated
// after trailing-slash normalization; at least one is required.
func NewPool(name string, cfg config.ServiceConfig, logger *slog.Logger) (*Pool, error) {
	seen := make(map[string]bool)
	var eps []*endpoint
	for _, raw := range cfg.Endpoints {
		normalized := strings.TrimRight(raw, "/")
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		eps = append(eps, &endpoint{baseURL: normalized})
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("pool %s: at least one endpoint required", name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 2
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}

	return &Pool{
		name:      name,
		http:      resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With("component", "pool", "service", name),
		endpoints: eps,
	}, nil
}

// GetJSON sends a GET with query parameters and decodes the JSON response
// into out.
func (p *Pool) GetJSON(ctx context.Context, path string, query map[string]string, out any) error {
	return p.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON sends a JSON body and decodes the JSON response into out.
func (p *Pool) PostJSON(ctx context.Context, path string, body, out any) error {
	return p.do(ctx, http.MethodPost, path, nil, body, out)
}

func (p *Pool) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	var lastErr error
	total := p.size()

	for attempt := 0; attempt < total; attempt++ {
		ep := p.next()
		url := ep.baseURL + "/" + strings.TrimLeft(path, "/")

		req := p.http.R().SetContext(ctx)
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, url)
		switch {
		case err != nil:
			lastErr = err
			p.registerFailure(ep, err)
		case resp.StatusCode() == http.StatusTooManyRequests:
			// Service-wide throttle; failing over would only spread it.
			return fmt.Errorf("%s %s: %w", p.name, path, ErrRateLimited)
		case resp.StatusCode() >= 300:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
			p.registerFailure(ep, lastErr)
		default:
			p.registerSuccess(ep)
			return nil
		}
	}

	return fmt.Errorf("all %s endpoints failed: %w", p.name, lastErr)
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// next returns the first healthy endpoint in rotation order; when all are on
// cooldown, the one whose cooldown ends soonest.
func (p *Pool) next() *endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for range p.endpoints {
		ep := p.endpoints[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.endpoints)
		if !ep.unhealthyUntil.After(now) {
			return ep
		}
	}

	soonest := p.endpoints[0]
	for _, ep := range p.endpoints[1:] {
		if ep.unhealthyUntil.Before(soonest.unhealthyUntil) {
			soonest = ep
		}
	}
	return soonest
}

func (p *Pool) registerFailure(ep *endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.failureCount++
	p.logger.Warn("endpoint failed",
		"endpoint", ep.baseURL, "failures", ep.failureCount,
		"threshold", p.threshold, "error", err)
	if ep.failureCount >= p.threshold {
		ep.unhealthyUntil = time.Now().Add(p.cooldown)
		ep.failureCount = 0
		p.logger.Error("endpoint on cooldown",
			"endpoint", ep.baseURL, "cooldown", p.cooldown)
	}
}

func (p *Pool) registerSuccess(ep *endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.failureCount = 0
	ep.unhealthyUntil = time.Time{}
}

// HealthSnapshot reports per-endpoint availability for the status API.
func (p *Pool) HealthSnapshot() []EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		remaining := ep.unhealthyUntil.Sub(now).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, EndpointHealth{
			BaseURL:           ep.baseURL,
			Available:         !ep.unhealthyUntil.After(now),
			CooldownRemaining: remaining,
		})
	}
	return out
}

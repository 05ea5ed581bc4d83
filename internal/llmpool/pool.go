// Package llmpool implements a cache of per-endpoint chat clients used for
// multi-endpoint routing when the routing policy escalates to a different
// model/provider than the session's primary endpoint.
//
// Generalizes engine.LLMClient's construction in
// pkg/idlehands/engine/llm.go (provider detection from base URL, API key
// resolution, transport tuning) to take an endpoint parameter instead of
// reading a single baseURL field, backed by github.com/sashabaranov/go-openai's
// client.
package llmpool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Options configures how the pool builds new clients.
type Options struct {
	// APIKey is used for every pooled client unless a per-endpoint override
	// is supplied via WithEndpointKey.
	APIKey string

	// ResponseTimeout bounds how long a non-streaming call or the initial
	// probe may take. Zero means no client-side timeout (streaming calls
	// rely on context cancellation instead).
	ResponseTimeout time.Duration

	// ConnectionTimeout bounds TLS handshake + dial time.
	ConnectionTimeout time.Duration

	// ProbeMinInterval throttles ProbeIfNeeded the way
	// LLMClient.probeMinInterval cools down repeated health checks.
	ProbeMinInterval time.Duration
}

func (o Options) effective() Options {
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.ProbeMinInterval == 0 {
		o.ProbeMinInterval = 30 * time.Second
	}
	return o
}

// entry is one pooled client plus its probe-throttling state.
type entry struct {
	client      *openai.Client
	httpClient  *http.Client
	endpoint    string
	mu          sync.Mutex
	lastProbeAt time.Time
}

// Pool caches a primary client plus one client per normalized endpoint,
// used for model-routing escalation.
type Pool struct {
	mu       sync.Mutex
	opts     Options
	primary  *entry
	byEndpt  map[string]*entry
	keyByEnd map[string]string // optional per-endpoint API key overrides
}

// New builds a pool whose primary client targets primaryEndpoint.
func New(primaryEndpoint string, opts Options) *Pool {
	opts = opts.effective()
	p := &Pool{
		opts:     opts,
		byEndpt:  make(map[string]*entry),
		keyByEnd: make(map[string]string),
	}
	p.primary = p.build(primaryEndpoint, opts.APIKey)
	return p
}

// WithEndpointKey registers a per-endpoint API key override, used before
// ForEndpoint so escalation to a different provider can authenticate with
// its own key rather than the primary endpoint's.
func (p *Pool) WithEndpointKey(endpoint, apiKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyByEnd[normalizeEndpoint(endpoint)] = apiKey
}

// Primary returns the client for the session's configured endpoint.
func (p *Pool) Primary() *openai.Client {
	return p.primary.client
}

// normalizeEndpoint strips trailing slashes and surrounding whitespace,
// "Normalization strips trailing slashes and whitespace".
func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// ForEndpoint returns the primary client if endpoint is empty or matches
// the primary's normalized endpoint; otherwise it lazily builds (or
// reuses) a cached client for that endpoint.
func (p *Pool) ForEndpoint(endpoint string) (*openai.Client, error) {
	norm := normalizeEndpoint(endpoint)
	if norm == "" || norm == normalizeEndpoint(p.primary.endpoint) {
		return p.primary.client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byEndpt[norm]; ok {
		return e.client, nil
	}

	key := p.keyByEnd[norm]
	if key == "" {
		key = p.opts.APIKey
	}
	e := p.build(norm, key)
	if e == nil {
		return nil, fmt.Errorf("llmpool: failed to build client for endpoint %q", norm)
	}
	p.byEndpt[norm] = e
	return e.client, nil
}

func (p *Pool) build(endpoint, apiKey string) *entry {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   p.opts.ConnectionTimeout,
			ResponseHeaderTimeout: 180 * time.Second,
		},
	}
	// No global Timeout on the http.Client: streaming calls rely on the
	// caller's context deadline — a global timeout would race with
	// long-running streams.

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeEndpoint(endpoint)
	cfg.HTTPClient = httpClient

	return &entry{
		client:     openai.NewClientWithConfig(cfg),
		httpClient: httpClient,
		endpoint:   endpoint,
	}
}

// ProbeIfNeeded performs a best-effort GET /v1/models health check for
// endpoint, throttled to at most once per ProbeMinInterval — mirroring
// llm.go's probeMinInterval cooldown-probe logic. Errors are
// swallowed; the return value only reports whether a probe actually ran.
func (p *Pool) ProbeIfNeeded(ctx context.Context, endpoint string) (probed bool) {
	norm := normalizeEndpoint(endpoint)

	var e *entry
	if norm == "" || norm == normalizeEndpoint(p.primary.endpoint) {
		e = p.primary
	} else {
		p.mu.Lock()
		e = p.byEndpt[norm]
		p.mu.Unlock()
		if e == nil {
			return false
		}
	}

	e.mu.Lock()
	if time.Since(e.lastProbeAt) < p.opts.ProbeMinInterval {
		e.mu.Unlock()
		return false
	}
	e.lastProbeAt = time.Now()
	e.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = e.client.ListModels(probeCtx)
	return true
}

// CloseAll best-effort idle-closes every cached client's transport. The
// go-openai client does not expose an explicit Close, so this reaches
// through to the underlying *http.Transport the way a closeAll() helper
// does for raw http.Client-based pools.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	closeEntry(p.primary)
	for _, e := range p.byEndpt {
		closeEntry(e)
	}
	p.byEndpt = make(map[string]*entry)
}

func closeEntry(e *entry) {
	if e == nil || e.httpClient == nil {
		return
	}
	if t, ok := e.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

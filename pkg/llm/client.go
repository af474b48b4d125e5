package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
)

const (
	defaultProviderTimeout = 120 * time.Second
	defaultRetryBackoff    = time.Second
	healthCheckMaxTokens   = 5
)

// Config holds client configuration.
type Config struct {
	// Providers in preferred order.
	Providers       []Provider
	ProviderTimeout time.Duration
	RetryBackoff    time.Duration
	Health          HealthConfig
	Logger          zerolog.Logger
}

// Client sends requests through an ordered list of providers with failover.
type Client struct {
	providers []Provider
	byName    map[string]Provider
	health    *HealthMonitor
	usage     *UsageTracker
	timeout   time.Duration
	backoff   time.Duration
	logger    zerolog.Logger
}

// ProviderStatus is the outcome of a health probe.
type ProviderStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// NewClient creates a client. Provider names must be unique.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, ErrNoProviders
	}
	observability.EnsureRegistered()

	byName := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		byName[p.Name()] = p
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	return &Client{
		providers: cfg.Providers,
		byName:    byName,
		health:    NewHealthMonitor(cfg.Health),
		usage:     NewUsageTracker(),
		timeout:   cfg.ProviderTimeout,
		backoff:   cfg.RetryBackoff,
		logger:    cfg.Logger.With().Str("component", "llm").Logger(),
	}, nil
}

// Providers returns the configured provider names in configured order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Health returns the health monitor.
func (c *Client) Health() *HealthMonitor {
	return c.health
}

// Usage returns the token usage counters.
func (c *Client) Usage() UsageStats {
	return c.usage.Snapshot()
}

// Send tries each provider in health-biased order until one succeeds. A
// provider that fails after streaming text is also failed over; onDelta then
// receives the next provider's text from the beginning. Only an
// AllProvidersFailedError or a cancelled context is returned as an error.
func (c *Client) Send(ctx context.Context, req *Request, onDelta DeltaFunc) (resp *Response, err error) {
	ctx, span := tracing.StartSpan(ctx, "deskflow.llm", "llm.send",
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	order := c.health.Order(c.Providers())
	failed := &AllProvidersFailedError{}

	for i, name := range order {
		p := c.byName[name]
		resp, forwarded, sendErr := c.attempt(ctx, p, req, onDelta)
		if sendErr == nil {
			c.health.RecordSuccess(name)
			c.usage.Record(resp.Usage)
			observability.RecordTokens(name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			span.SetAttributes(attribute.String("llm.provider", name))
			if i > 0 {
				logger.Info().Str("provider", name).Int("attempt", i+1).Msg("Failover succeeded")
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		perr := Classify(name, sendErr)
		c.health.RecordFailure(name, perr)
		failed.Providers = append(failed.Providers, name)
		failed.Errors = append(failed.Errors, perr)

		if forwarded {
			// the next provider streams its answer from the start
			logger.Warn().Err(perr).Str("provider", name).Msg("Provider failed mid-stream, failing over")
		}

		event := logger.Warn()
		if !perr.Transient {
			event = logger.Error()
		}
		event.Err(perr).Str("provider", name).Bool("transient", perr.Transient).Msg("Provider request failed")
		if i < len(order)-1 {
			observability.RecordProviderFailover(name)
		}
	}

	return nil, failed
}

// attempt calls one provider, retrying once in place on a rate limit or
// connection error when nothing has been streamed yet.
func (c *Client) attempt(ctx context.Context, p Provider, req *Request, onDelta DeltaFunc) (*Response, bool, error) {
	forwarded := false
	forward := DeltaFunc(func(text string) {
		forwarded = true
		if onDelta != nil {
			onDelta(text)
		}
	})

	var lastErr error
	for try := 0; try < 2; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, forwarded, ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		resp, err := c.call(ctx, p, req, forward)
		if err == nil {
			return resp, forwarded, nil
		}
		lastErr = err
		if forwarded || ctx.Err() != nil || !retryInPlace(Classify(p.Name(), err)) {
			break
		}
		c.logger.Debug().Err(err).Str("provider", p.Name()).Msg("Retrying provider")
	}
	return nil, forwarded, lastErr
}

func (c *Client) call(ctx context.Context, p Provider, req *Request, onDelta DeltaFunc) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Send(callCtx, req, onDelta)
	observability.RecordProviderRequest(p.Name(), time.Since(start), err == nil)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", ErrResponse)
	}
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, nil
}

// HealthCheck pings every provider concurrently with a tiny request. It does
// not change failover ordering.
func (c *Client) HealthCheck(ctx context.Context) map[string]ProviderStatus {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ProviderStatus, len(c.providers))
	)
	req := &Request{
		Messages:  pingMessages(),
		MaxTokens: healthCheckMaxTokens,
	}

	for _, p := range c.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			_, err := p.Send(callCtx, req, nil)
			status := ProviderStatus{Reachable: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				status.Error = err.Error()
			}
			mu.Lock()
			out[p.Name()] = status
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	healthy := 0
	for _, s := range out {
		if s.Reachable {
			healthy++
		}
	}
	c.logger.Debug().Int("providers", len(out)).Int("reachable", healthy).Msg("Provider health check complete")
	return out
}

// IsAllProvidersFailed reports whether err came from exhausting every provider.
func IsAllProvidersFailed(err error) bool {
	return errors.Is(err, ErrAllProvidersFailed)
}

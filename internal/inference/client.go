// Package inference implements the Inference Client (C4): executes a
// request against a backend chain produced by the Model Router, retrying
// and failing over per the spec's transient/permanent/429 classification,
// and guarding each backend with a circuit breaker. Grounded on the
// teacher's internal/nats Client.Request/RequestJSON round trip (local and
// elastic tier transport) and internal/captain/supervisor.go's crash-loop
// counter (generalized into the per-backend circuit breaker).
package inference

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
)

// errKind classifies a single call's failure per spec.md §4.4.
type errKind int

const (
	errTransient errKind = iota
	errPermanent
	errRateLimited
)

// callError is the typed failure every Transport returns.
type callError struct {
	kind       errKind
	retryAfter time.Duration
	cause      error
}

func (e *callError) Error() string { return e.cause.Error() }
func (e *callError) Unwrap() error { return e.cause }

// Options are the per-call generation parameters.
type Options struct {
	MaxTokens     int
	Temperature   float64
	StopSequences []string
	Deadline      time.Time // zero means no caller-supplied deadline
}

// Result is a successful generation.
type Result struct {
	Text      string
	InTokens  int64
	OutTokens int64
	BackendID string
	Latency   time.Duration
}

const (
	retryBase       = 200 * time.Millisecond
	retryCap        = 2 * time.Second
	maxRetryAfter   = 5 * time.Second
	transientRetries = 2
)

// Client is the concrete Inference Client.
type Client struct {
	catalog   *catalog.Catalog
	router    *router.Router
	ledger    *cost.Ledger
	transport Transport

	mu       sync.Mutex
	breakers map[string]*breaker

	breakerFailureThreshold int
	breakerResetTimeout     time.Duration
}

// New constructs a Client over a Model Router, Cost Ledger, and transport.
// credentials maps premium-tier backend ids to their resolved bearer
// tokens (resolved from config.Backend.Credential() by the caller, never
// read from the catalog itself).
func New(cat *catalog.Catalog, r *router.Router, ledger *cost.Ledger, b *bus.Bus, credentials map[string]string, breakerFailureThreshold int, breakerResetTimeout time.Duration) *Client {
	return &Client{
		catalog:                 cat,
		router:                  r,
		ledger:                  ledger,
		transport:               newTieredTransport(b, credentials),
		breakers:                make(map[string]*breaker),
		breakerFailureThreshold: breakerFailureThreshold,
		breakerResetTimeout:     breakerResetTimeout,
	}
}

// WithTransport overrides the transport, for tests.
func (c *Client) WithTransport(t Transport) *Client {
	c.transport = t
	return c
}

func (c *Client) breakerFor(backendID string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[backendID]
	if !ok {
		b = newBreaker(c.breakerFailureThreshold, c.breakerResetTimeout)
		c.breakers[backendID] = b
	}
	return b
}

// Generate routes req, walks the resulting fallback chain applying the
// transient/permanent/429 retry rules and per-backend circuit breakers,
// and emits a CostRecord atomically with the first successful reply.
func (c *Client) Generate(ctx context.Context, requestID string, req router.Request, prompt string, opts Options) (*Result, error) {
	chain, err := c.router.Route(req)
	if err != nil {
		return nil, err
	}

	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}

	wireReq := wireRequest{
		Prompt:        prompt,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		StopSequences: opts.StopSequences,
	}

	var errs []string
	for _, backendID := range chain {
		desc, ok := c.catalog.Get(backendID)
		if !ok {
			continue
		}

		br := c.breakerFor(backendID)
		if !br.allow() {
			errs = append(errs, backendID+": circuit open")
			continue
		}

		result, err := c.callWithRetries(ctx, br, desc, wireReq)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", backendID, err))
			continue
		}

		if _, err := c.ledger.RecordCost(requestID, req.ProjectID, backendID, result.InTokens, result.OutTokens); err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, corerr.New(corerr.KindDependencyUnavailable,
		"inference: every backend in the fallback chain failed: "+strings.Join(errs, "; "))
}

// callWithRetries executes one backend's retry policy: transient failures
// retry twice with jittered backoff, permanent failures skip retries, and
// 429s either wait out a short retry-after or fall back to transient
// handling, per spec.md §4.4.
func (c *Client) callWithRetries(ctx context.Context, br *breaker, desc catalog.Descriptor, wireReq wireRequest) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= transientRetries; attempt++ {
		start := time.Now()
		resp, err := c.transport.Call(ctx, desc, wireReq)
		latency := time.Since(start)

		if err == nil {
			br.recordSuccess()
			return &Result{
				Text:      resp.Text,
				InTokens:  resp.InTokens,
				OutTokens: resp.OutTokens,
				BackendID: desc.ID,
				Latency:   latency,
			}, nil
		}

		ce, _ := err.(*callError)
		if ce == nil {
			br.recordFailure()
			return nil, err
		}

		switch ce.kind {
		case errPermanent:
			br.recordFailure()
			return nil, ce
		case errRateLimited:
			wait := ce.retryAfter
			if wait <= 0 || wait > maxRetryAfter {
				// Too long or unspecified: treat as a transient failure
				// and fall through to the backoff/retry path below.
				lastErr = ce
				if !sleepCtx(ctx, backoffDelay(attempt)) {
					br.recordFailure()
					return nil, ctx.Err()
				}
				continue
			}
			lastErr = ce
			if !sleepCtx(ctx, wait) {
				br.recordFailure()
				return nil, ctx.Err()
			}
			continue
		default: // errTransient
			lastErr = ce
			if attempt == transientRetries {
				break
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				br.recordFailure()
				return nil, ctx.Err()
			}
		}
	}

	br.recordFailure()
	return nil, lastErr
}

// backoffDelay computes a jittered exponential backoff: base 200ms doubling
// per attempt, capped at 2s.
func backoffDelay(attempt int) time.Duration {
	d := retryBase << attempt
	if d <= 0 || d > retryCap {
		d = retryCap
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// sleepCtx waits for d or ctx cancellation, returning false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

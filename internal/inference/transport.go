package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
)

// wireRequest is the payload sent to a backend, over NATS request/reply for
// local/elastic tiers or as an HTTPS POST body for the premium tier.
type wireRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// wireResponse is the reply shape every tier's backend returns.
type wireResponse struct {
	Text       string `json:"text"`
	InTokens   int64  `json:"inTokens"`
	OutTokens  int64  `json:"outTokens"`
	Error      string `json:"error,omitempty"`
	Status     int    `json:"status,omitempty"`     // self-reported classification hint (bus transport has no HTTP status line)
	RetryAfter int    `json:"retryAfterMs,omitempty"`
}

// Transport executes one call against a specific backend descriptor.
type Transport interface {
	Call(ctx context.Context, desc catalog.Descriptor, req wireRequest) (wireResponse, error)
}

// busTransport is the local/elastic tier transport: NATS request/reply on
// "inference.<tier>.generate", grounded on the teacher's
// Client.RequestJSON. Workers queue-subscribe that subject (see
// bus.QueueSubscribeRaw) in a load-balancing group so the reply comes from
// whichever worker is free.
type busTransport struct {
	b *bus.Bus
}

func newBusTransport(b *bus.Bus) *busTransport { return &busTransport{b: b} }

const defaultBusRequestTimeout = 30 * time.Second

func (t *busTransport) Call(ctx context.Context, desc catalog.Descriptor, req wireRequest) (wireResponse, error) {
	timeout := defaultBusRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	topic := fmt.Sprintf("inference.%s.generate", desc.Tier)
	data, err := t.b.Request(topic, req, timeout)
	if err != nil {
		return wireResponse{}, &callError{kind: errTransient, cause: err}
	}

	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return wireResponse{}, &callError{kind: errPermanent, cause: fmt.Errorf("inference: malformed reply from %s: %w", desc.ID, err)}
	}
	if err := classifyWireResponse(resp); err != nil {
		return wireResponse{}, err
	}
	return resp, nil
}

// httpTransport is the premium tier transport: a direct HTTPS call to the
// configured backend endpoint.
type httpTransport struct {
	client      *http.Client
	credentials map[string]string // backendID -> resolved bearer token
}

func newHTTPTransport(credentials map[string]string) *httpTransport {
	return &httpTransport{client: &http.Client{}, credentials: credentials}
}

func (t *httpTransport) Call(ctx context.Context, desc catalog.Descriptor, req wireRequest) (wireResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, &callError{kind: errPermanent, cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return wireResponse{}, &callError{kind: errPermanent, cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cred := t.credentials[desc.ID]; cred != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cred)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return wireResponse{}, &callError{kind: errTransient, cause: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return wireResponse{}, &callError{kind: errTransient, cause: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return wireResponse{}, &callError{
			kind:       errRateLimited,
			retryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
			cause:      fmt.Errorf("inference: %s rate limited", desc.ID),
		}
	case httpResp.StatusCode >= 500:
		return wireResponse{}, &callError{kind: errTransient, cause: fmt.Errorf("inference: %s returned %d", desc.ID, httpResp.StatusCode)}
	case httpResp.StatusCode >= 400:
		return wireResponse{}, &callError{kind: errPermanent, cause: fmt.Errorf("inference: %s returned %d", desc.ID, httpResp.StatusCode)}
	}

	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return wireResponse{}, &callError{kind: errPermanent, cause: fmt.Errorf("inference: malformed reply from %s: %w", desc.ID, err)}
	}
	return resp, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// classifyWireResponse turns a bus-transport reply's self-reported status
// into the failure classification the client retries against, since NATS
// request/reply carries no HTTP status line of its own.
func classifyWireResponse(resp wireResponse) error {
	if resp.Error == "" {
		return nil
	}
	switch {
	case resp.Status == http.StatusTooManyRequests:
		return &callError{kind: errRateLimited, retryAfter: time.Duration(resp.RetryAfter) * time.Millisecond, cause: fmt.Errorf("%s", resp.Error)}
	case resp.Status >= 500 || resp.Status == 0:
		return &callError{kind: errTransient, cause: fmt.Errorf("%s", resp.Error)}
	default:
		return &callError{kind: errPermanent, cause: fmt.Errorf("%s", resp.Error)}
	}
}

// tieredTransport dispatches a call to the bus transport for local/elastic
// tiers and the HTTPS transport for premium, so Client never branches on
// tier itself.
type tieredTransport struct {
	bus  *busTransport
	http *httpTransport
}

func newTieredTransport(b *bus.Bus, credentials map[string]string) *tieredTransport {
	return &tieredTransport{bus: newBusTransport(b), http: newHTTPTransport(credentials)}
}

func (t *tieredTransport) Call(ctx context.Context, desc catalog.Descriptor, req wireRequest) (wireResponse, error) {
	if desc.Tier == catalog.TierPremium {
		return t.http.Call(ctx, desc, req)
	}
	return t.bus.Call(ctx, desc, req)
}

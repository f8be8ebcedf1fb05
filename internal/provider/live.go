package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"routedispatch/internal/model"
)

// LiveProvider calls the external routing/prediction API over HTTP. It
// classifies failures into outcomes and retries transient ones with
// exponential backoff, respecting context cancellation. The circuit breaker
// and rate limiter live in the Gateway, not here.
type LiveProvider struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type LiveConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewLiveProvider(cfg LiveConfig) (*LiveProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider: base URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &LiveProvider{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}, nil
}

func (p *LiveProvider) PlanRoute(ctx context.Context, req PlanRequest) (PlanResult, error) {
	var out PlanResult
	if err := p.post(ctx, "/v1/route-plan", req, &out); err != nil {
		return PlanResult{}, err
	}
	if len(out.Ordered) != len(req.Stops) {
		return PlanResult{}, &CallError{Outcome: OutcomeInvalidRequest, Err: fmt.Errorf("provider returned %d stops, want %d", len(out.Ordered), len(req.Stops))}
	}
	if out.Confidence == 0 {
		out.Confidence = 1
	}
	return out, nil
}

func (p *LiveProvider) EstimateTravel(ctx context.Context, from, to model.GeoPoint) (TravelEstimate, error) {
	body := map[string]any{"from": from, "to": to}
	var out TravelEstimate
	if err := p.post(ctx, "/v1/travel-estimate", body, &out); err != nil {
		return TravelEstimate{}, err
	}
	return out, nil
}

// post performs one logical call with bounded retries on transient outcomes.
func (p *LiveProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &CallError{Outcome: OutcomeInvalidRequest, Err: err}
	}

	backoff := p.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &CallError{Outcome: OutcomeNetworkError, Err: err}
		}
		err := p.doOnce(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var ce *CallError
		if !errors.As(err, &ce) || !Transient(ce.Outcome) || attempt == p.maxAttempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &CallError{Outcome: OutcomeNetworkError, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
	return lastErr
}

func (p *LiveProvider) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &CallError{Outcome: OutcomeInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &CallError{Outcome: OutcomeNetworkError, Err: err}
		}
		return &CallError{Outcome: OutcomeNetworkError, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CallError{Outcome: classifyStatus(resp.StatusCode, resp.Header), Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CallError{Outcome: OutcomeInvalidRequest, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(code int, hdr http.Header) string {
	switch {
	case code == http.StatusTooManyRequests:
		// Quota exhaustion is a daily condition, not a burst one.
		if hdr.Get("X-Quota-Exceeded") != "" {
			return OutcomeQuotaExceeded
		}
		return OutcomeRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return OutcomeInvalidCredential
	case code == http.StatusPaymentRequired:
		return OutcomeQuotaExceeded
	case code >= 500:
		return OutcomeServiceUnavailable
	default:
		return OutcomeInvalidRequest
	}
}

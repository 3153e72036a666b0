package gateway

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

	"github.com/listahub/ListaPay/internal/pkg/env"
)

const (
	queryStatusAttempts = 3
	queryStatusBackoff  = 500 * time.Millisecond
)

// Client talks to the payment aggregator. Credentials are immutable after
// construction; handlers receive an injected instance instead of reaching
// for package state.
type Client struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string

	HTTPClient *http.Client
}

func NewClientFromEnv() *Client {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	callback := strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_CALLBACK_URL", ""))
	if callback == "" && base != "" {
		callback = base + "/payments/webhook"
	}

	return &Client{
		BaseURL:       strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_BASE_URL", "")), "/"),
		APIKey:        strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_API_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_WEBHOOK_SECRET", "")),
		CallbackURL:   callback,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Initiate submits the charge. Exactly one attempt: retrying a charge call
// after an ambiguous failure risks double-charging, so on timeout the
// caller keeps the transaction unsettled and lets a webhook or poll
// resolve it later.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("PAYMENT_GATEWAY_BASE_URL is not configured")
	}
	ad, err := adapterFor(req.Instrument)
	if err != nil {
		return nil, err
	}
	payload, err := ad.buildInitiate(req, c.CallbackURL)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/initiate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("initiate %s: %w", req.Reference, ErrTimeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	gatewayID, sig, err := ad.parseInitiate(raw)
	if err != nil {
		return nil, err
	}
	return &InitiateResponse{GatewayID: gatewayID, Signal: sig, Raw: string(raw)}, nil
}

// QueryStatus looks up the gateway's current view of a transaction. The
// call is idempotent, so transport failures are retried with exponential
// backoff; an explicit 4xx/5xx answer is surfaced immediately as
// *RejectedError and never retried.
func (c *Client) QueryStatus(ctx context.Context, instrument, gatewayID string) (*QueryResponse, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("PAYMENT_GATEWAY_BASE_URL is not configured")
	}
	if strings.TrimSpace(gatewayID) == "" {
		return nil, errors.New("gateway transaction id is required")
	}
	ad, err := adapterFor(instrument)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := queryStatusBackoff
	for attempt := 1; attempt <= queryStatusAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status/"+gatewayID, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(httpReq)

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			if isTimeout(err) {
				err = fmt.Errorf("status query attempt %d/%d: %w", attempt, queryStatusAttempts, ErrTimeout)
			}
			lastErr = err
			continue
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Body: string(raw)}
		}

		sig, err := ad.parseStatus(raw)
		if err != nil {
			return nil, err
		}
		return &QueryResponse{Signal: sig, Raw: string(raw)}, nil
	}
	return nil, lastErr
}

// HealthCheck pings the aggregator and reports reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("PAYMENT_GATEWAY_BASE_URL is not configured")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/ping", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("health check: %w", ErrTimeout)
		}
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway health check failed: status=%d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

package transferprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/utils/requestctx"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the circuit breaker guarding a provider.
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// APIError is a 4xx response from a provider. It carries the decoded body
// and is treated as a rejection rather than an outage.
type APIError struct {
	Status int
	Body   map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d)", e.Status)
}

// Payload returns the error body as a transfer error payload.
func (e *APIError) Payload() model.TransferErrorPayload {
	payload := model.TransferErrorPayload{"status": float64(e.Status)}
	for k, v := range e.Body {
		payload[k] = v
	}
	return payload
}

// restClient performs JSON calls against a provider REST API through a
// circuit breaker.
type restClient struct {
	name    model.PaymentAccountProvider
	client  *http.Client
	baseURL string
	headers map[string]string
	breaker *gobreaker.CircuitBreaker[any]
}

func newRESTClient(name model.PaymentAccountProvider, client *http.Client, baseURL string, headers map[string]string, settings BreakerSettings) *restClient {
	return &restClient{
		name:    name,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		breaker: newBreaker(name, settings, isAPIError),
	}
}

// newBreaker creates the circuit breaker for a provider. Errors for which
// isRejection returns true are answers, not outages, and do not count
// towards tripping.
func newBreaker(name model.PaymentAccountProvider, settings BreakerSettings, isRejection func(error) bool) *gobreaker.CircuitBreaker[any] {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
	})
}

func isAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// do sends body as JSON and decodes the response into out. A 4xx response
// returns *APIError.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	return err
}

func (c *restClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if id := requestctx.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s API error (status %d): %s", c.name, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &apiErr.Body)
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// rejected converts a provider rejection into a rejected execution. Any
// other error is returned unchanged.
func rejected(err error) (*model.TransferExecution, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &model.TransferExecution{Accepted: false, Error: apiErr.Payload()}, nil
	}
	return nil, err
}

// stringField returns the first non-empty string value among keys.
func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// errorDetails builds normalized error details keeping the raw payload.
func errorDetails(payload model.TransferErrorPayload, code, message string) model.TransferErrorDetails {
	if code == "" {
		code = "unknown"
	}
	if message == "" {
		message = "transfer failed"
	}
	raw, _ := json.Marshal(payload)
	return model.TransferErrorDetails{Code: code, Message: message, Raw: string(raw)}
}

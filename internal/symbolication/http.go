package symbolication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/event"
)

// Response statuses of the symbolicator service.
const (
	statusCompleted = "completed"
	statusPending   = "pending"
	statusFailed    = "failed"
)

// defaultRetryAfter is used when the service asks us to wait but does not say how long.
const defaultRetryAfter = time.Second

type HTTPConfig struct {
	URL             string
	RequestTimeout  time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type symbolicateResponse struct {
	Status     string          `json:"status"`
	Changed    *bool           `json:"changed,omitempty"`
	RetryAfter float64         `json:"retry_after,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type httpStatusError struct {
	code       int
	retryAfter time.Duration
	body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("symbolicator returned %d: %s", e.code, e.body)
}

func (e *httpStatusError) retryable() bool {
	return e.code == http.StatusServiceUnavailable || e.code == http.StatusTooManyRequests
}

// HTTPSymbolicator posts payloads to a symbolicator service. Overload answers and
// an open circuit both become RetryAfter so the runner keeps polling within its
// deadline instead of failing the event.
type HTTPSymbolicator struct {
	client  *http.Client
	url     string
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPSymbolicator(cfg HTTPConfig) *HTTPSymbolicator {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return &HTTPSymbolicator{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		url:    strings.TrimRight(cfg.URL, "/") + "/symbolicate",
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "symbolicator",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				// Fatal answers for a single event say nothing about service health.
				var statusErr *httpStatusError
				if errors.As(err, &statusErr) {
					return !statusErr.retryable() && statusErr.code < 500
				}
				return err == nil
			},
		}),
	}
}

func (s *HTTPSymbolicator) Symbolicate(ctx context.Context, p *event.Payload) Outcome {
	body, err := json.Marshal(p)
	if err != nil {
		return Fatal(fmt.Errorf("encoding payload: %w", err))
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return RetryAfter(defaultRetryAfter)
		}
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.retryable() {
			return RetryAfter(statusErr.retryAfter)
		}
		if ctx.Err() != nil {
			return Fatal(ctx.Err())
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return RetryAfter(defaultRetryAfter)
		}
		return Fatal(err)
	}

	resp := res.(*symbolicateResponse)
	switch resp.Status {
	case statusPending:
		return RetryAfter(secondsToDuration(resp.RetryAfter))
	case statusFailed:
		return Fatal(fmt.Errorf("symbolicator failed: %s", resp.Message))
	case statusCompleted:
		if (resp.Changed != nil && !*resp.Changed) || len(resp.Data) == 0 {
			return Unchanged()
		}
		var out event.Payload
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			return Fatal(fmt.Errorf("decoding symbolicated payload: %w", err))
		}
		return Transformed(&out)
	default:
		return Fatal(fmt.Errorf("unexpected symbolicator status %q", resp.Status))
	}
}

func (s *HTTPSymbolicator) post(ctx context.Context, body []byte) (*symbolicateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling symbolicator: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{
			code:       httpResp.StatusCode,
			retryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
			body:       logger.Truncate(string(raw), 256),
		}
	}

	var resp symbolicateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return secondsToDuration(secs)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}

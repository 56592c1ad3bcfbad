package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/go-eomosaic/eo/errs"
)

// RetryPolicy controls retry behaviour for HTTP requests.
type RetryPolicy interface {
	NextDelay(attempt int, resp *http.Response, err error) (time.Duration, bool)
}

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	statuses    map[int]struct{}
}

// DefaultRetryPolicy retries throttling and server errors five times with a
// 300ms base delay.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(5, 300*time.Millisecond, 10*time.Second)
}

// NewRetryPolicy builds a jittered exponential policy over the transient statuses.
func NewRetryPolicy(maxAttempts int, base, maxDelay time.Duration) RetryPolicy {
	return &retryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   base,
		maxDelay:    maxDelay,
		statuses: map[int]struct{}{
			http.StatusTooManyRequests:     {},
			http.StatusInternalServerError: {},
			http.StatusBadGateway:          {},
			http.StatusServiceUnavailable:  {},
			http.StatusGatewayTimeout:      {},
		},
	}
}

// NoRetryPolicy disables retries.
type NoRetryPolicy struct{}

// NextDelay implements RetryPolicy.
func (NoRetryPolicy) NextDelay(int, *http.Response, error) (time.Duration, bool) {
	return 0, false
}

func (p *retryPolicy) NextDelay(attempt int, resp *http.Response, err error) (time.Duration, bool) {
	if attempt >= p.maxAttempts {
		return 0, false
	}
	if err != nil {
		return Backoff(p.baseDelay, p.maxDelay, attempt, 1, rand.Float64), true
	}
	if resp != nil {
		if _, ok := p.statuses[resp.StatusCode]; ok {
			return Backoff(p.baseDelay, p.maxDelay, attempt, 1, rand.Float64), true
		}
	}
	return 0, false
}

// Backoff returns the delay before retry number attempt: base doubled per
// attempt, capped at maxDelay, with the given fraction replaced by jitter.
func Backoff(base, maxDelay time.Duration, attempt int, jitter float64, rnd func() float64) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(1<<uint(shift))
	if maxDelay > 0 && (d > maxDelay || d <= 0) {
		d = maxDelay
	}
	if jitter <= 0 || rnd == nil {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	fixed := time.Duration(float64(d) * (1 - jitter))
	return fixed + time.Duration(float64(d)*jitter*rnd())
}

// Do issues the HTTP request honouring the provided retry policy.
func Do(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	attempt := 1
	for {
		attemptReq, err := cloneRequest(req, ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(attemptReq)
		if err == nil && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		delay, retry := policy.NextDelay(attempt, resp, err)
		if !retry {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func cloneRequest(req *http.Request, ctx context.Context) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

// StatusError describes a non-successful response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http error: %s", e.Status)
	}
	return fmt.Sprintf("http error: %s: %s", e.Status, e.Body)
}

// HTTPError returns a descriptive error for non-successful responses.
func HTTPError(resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(data))}
}

// Classify maps a transport error or status error onto the transient and
// permanent remote error types. Context cancellation is passed through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.IsTransient(err) || errs.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var status *StatusError
	if errors.As(err, &status) {
		if transientStatus(status.StatusCode, status.Body) {
			return &errs.TransientRemoteError{Op: op, Status: status.StatusCode, Err: err}
		}
		return &errs.PermanentRemoteError{Op: op, Status: status.StatusCode, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &errs.TransientRemoteError{Op: op, Err: err}
	}
	return &errs.PermanentRemoteError{Op: op, Err: err}
}

func transientStatus(code int, body string) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		// quota exhaustion is reported as 429 with a distinct message
		return !strings.Contains(strings.ToLower(body), "quota exceeded")
	}
	return false
}

// DecodeJSON decodes a JSON payload from r into v.
func DecodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"cascade/internal/types"
)

// Headers stamped on every sidecar request.
const (
	headerTrace = "X-B3-TraceId"
	headerRun   = "X-Rollout-Run"
)

// RetryPolicy bounds how often a throttled or failing sidecar call is
// re-sent. The zero value sends each request once.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// NoRetry is used for model execution: a failed step is never re-run
// without an operator looking at it.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) attempts() int {
	return 1 + max(p.MaxRetries, 0)
}

// wait returns the pause before retry number attempt+1. A Retry-After hint
// wins when present; otherwise the pause doubles per attempt with jitter,
// clamped to [MinWait, MaxWait].
func (p RetryPolicy) wait(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.MaxWait)
	}
	ceiling := min(p.MinWait<<attempt, p.MaxWait)
	if ceiling <= p.MinWait {
		return p.MinWait
	}
	return p.MinWait + time.Duration(rand.Int64N(int64(ceiling-p.MinWait)))
}

// BaseClient is the HTTP transport shared by every sidecar call. Requests
// run through a circuit breaker so a wedged sidecar fails fast instead of
// stalling each rollout on its own.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	sleep     func(time.Duration)
}

// BaseClientOption customizes a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces time.Sleep between retries.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// NewBaseClient creates a BaseClient with its own breaker named breakerName.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retry RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	c := &BaseClient{
		client:    httpClient,
		breaker:   gobreaker.NewCircuitBreaker[*http.Response](breakerSettings(breakerName)),
		retry:     retry,
		userAgent: userAgent,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// breakerSettings trips after six straight failures and probes again with a
// single request after 30s.
func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
}

// Do sends req through the breaker. 429 and 5xx responses are retried up
// to the policy limit and then reported as an AppError. Any other response
// is returned as-is and the caller closes the body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	c.stamp(req)
	rewind, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	var (
		lastStatus int
		lastErr    error
	)
	for attempt := range c.retry.attempts() {
		rewind()
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.send(req)
		})
		if err == nil {
			return resp, nil
		}

		lastErr, lastStatus = err, 0
		var retryAfter time.Duration
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			drain(resp)
		}
		if breakerRejected(err) || attempt == c.retry.attempts()-1 {
			break
		}
		c.sleep(c.retry.wait(attempt, retryAfter))
	}
	return nil, upstreamError(lastStatus, lastErr)
}

func (c *BaseClient) stamp(req *http.Request) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set(headerTrace, id)
	}
	if id := types.GetRunID(ctx); id != "" {
		req.Header.Set(headerRun, id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// send performs one round trip. Throttling and server errors count as
// breaker failures but still hand back the response for Retry-After.
func (c *BaseClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resp, fmt.Errorf("inference runtime returned %d", resp.StatusCode)
	}
	return resp, nil
}

// rewindable buffers the request body so each attempt can resend it, and
// returns a func that resets the body before an attempt.
func rewindable(req *http.Request) (func(), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() {}, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer sidecar request body", err)
	}
	return func() {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func parseRetryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func upstreamError(status int, err error) *types.AppError {
	switch {
	case breakerRejected(err):
		return types.NewAppError(types.ErrCodeUpstreamRuntime, "inference runtime circuit open", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "inference runtime is throttling requests", err)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("inference runtime returned %d", status), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamRuntime, "inference runtime unreachable", err)
	}
}

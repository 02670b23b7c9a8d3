package routing

import (
	"context"
	"sync"
	"time"

	"tripmate/internal/trip/clock"
)

// Logger provides minimal logging for the retry controller.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ResultState is the closed set of route computation outcomes.
type ResultState int

const (
	StateSuccess ResultState = iota
	StateError
	StateIgnore
)

func (s ResultState) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateIgnore:
		return "ignore"
	}
	return "unknown"
}

// StopETA is one per-stop estimate within a route result.
type StopETA struct {
	StopID    int
	ETA       time.Time
	DistanceM int
}

// RouteResult is the transient outcome of an asynchronous route/ETA
// computation, consumed once.
type RouteResult struct {
	State          ResultState
	StopETAs       []StopETA
	TotalDistanceM int
	TotalHours     float64
	DispatchID     string
	ErrorMessage   string
}

// RouteRequester re-issues the route computation request.
type RouteRequester interface {
	RequestRoute(ctx context.Context, dispatchID string) error
}

// RetrySignaler lets a foreground screen own the retry instead of the
// controller firing the request directly.
type RetrySignaler interface {
	Active() bool
	SignalRetry()
}

// ActiveTrip exposes the trip state the controller validates results
// against.
type ActiveTrip interface {
	ActiveDispatchID(ctx context.Context) string
	UncompletedStopCount(ctx context.Context, dispatchID string) int
}

// Controller consumes asynchronous route results, rejects stale ones and
// retries ambiguous failures with exponential backoff.
type Controller struct {
	mu        sync.Mutex
	remaining int
	cancel    chan struct{}

	maxRetries int
	baseDelay  time.Duration

	trip      ActiveTrip
	requester RouteRequester
	signaler  RetrySignaler
	clk       clock.Clock
	logger    Logger

	subsMu sync.Mutex
	subs   []func(RouteResult)
}

// NewController constructs a retry controller with a full retry budget.
func NewController(trip ActiveTrip, requester RouteRequester, signaler RetrySignaler, clk clock.Clock, logger Logger, maxRetries int, baseDelay time.Duration) *Controller {
	return &Controller{
		remaining:  maxRetries,
		cancel:     make(chan struct{}),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		trip:       trip,
		requester:  requester,
		signaler:   signaler,
		clk:        clk,
		logger:     logger,
	}
}

// Subscribe registers a result listener.
func (c *Controller) Subscribe(fn func(RouteResult)) {
	c.subsMu.Lock()
	c.subs = append(c.subs, fn)
	c.subsMu.Unlock()
}

func (c *Controller) publish(res RouteResult) {
	c.subsMu.Lock()
	subs := make([]func(RouteResult), len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(res)
	}
}

// HandleResult consumes one route result. Stale results are coerced before
// the state switch: a foreign dispatch id becomes Ignore and is never
// published as Success; a stop-count mismatch becomes an ambiguous Error,
// forcing a retry rather than trusting the result.
func (c *Controller) HandleResult(ctx context.Context, res RouteResult) {
	active := c.trip.ActiveDispatchID(ctx)

	if res.State == StateSuccess {
		switch {
		case res.DispatchID != active:
			c.logger.Infof("routing: result for dispatch %q ignored, active is %q", res.DispatchID, active)
			res.State = StateIgnore
		case len(res.StopETAs) != c.trip.UncompletedStopCount(ctx, active):
			c.logger.Infof("routing: result stop count %d mismatches trip, forcing retry", len(res.StopETAs))
			res.State = StateError
			res.ErrorMessage = ""
		}
	}

	switch res.State {
	case StateSuccess:
		c.mu.Lock()
		c.remaining = c.maxRetries
		c.mu.Unlock()
		c.publish(res)

	case StateIgnore:
		c.publish(res)

	case StateError:
		if res.ErrorMessage != "" {
			// explicit errors are not transient, no retry
			c.publish(res)
			return
		}
		c.retryOrGiveUp(ctx, active, res)
	}
}

func (c *Controller) retryOrGiveUp(ctx context.Context, dispatchID string, res RouteResult) {
	c.mu.Lock()
	if c.remaining <= 0 {
		c.mu.Unlock()
		c.logger.Infof("routing: retry budget exhausted for dispatch %s", dispatchID)
		c.publish(res)
		return
	}
	attempt := c.maxRetries - c.remaining
	c.remaining--
	delay := c.baseDelay << uint(attempt)
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Infof("routing: ambiguous failure, retrying dispatch %s in %s", dispatchID, delay)
	go func() {
		select {
		case <-cancel:
			return
		case <-ctx.Done():
			return
		case <-c.clk.After(delay):
		}
		if c.signaler != nil && c.signaler.Active() {
			c.signaler.SignalRetry()
			return
		}
		if err := c.requester.RequestRoute(ctx, dispatchID); err != nil {
			c.logger.Errorf("routing: re-request for dispatch %s failed: %v", dispatchID, err)
		}
	}()
}

// Remaining returns the unused retry budget.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Reset restores the retry budget and suppresses any in-flight scheduled
// retry; invoked on trip end and implicitly by Success.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = c.maxRetries
	close(c.cancel)
	c.cancel = make(chan struct{})
}

package routing

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

// recordClock captures requested delays and fires immediately so scheduled
// retries run without waiting.
type recordClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordClock) Now() time.Time { return time.Now() }

func (c *recordClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// blockClock never fires; scheduled retries stay parked until cancelled.
type blockClock struct{ ch chan time.Time }

func (c *blockClock) Now() time.Time                         { return time.Now() }
func (c *blockClock) After(d time.Duration) <-chan time.Time { return c.ch }

type stubTrip struct {
	dispatchID  string
	uncompleted int
}

func (s *stubTrip) ActiveDispatchID(ctx context.Context) string { return s.dispatchID }

func (s *stubTrip) UncompletedStopCount(ctx context.Context, dispatchID string) int {
	return s.uncompleted
}

type chanRequester struct{ calls chan string }

func (r *chanRequester) RequestRoute(ctx context.Context, dispatchID string) error {
	r.calls <- dispatchID
	return nil
}

type stubSignaler struct {
	active   bool
	signals  int
	signalMu sync.Mutex
}

func (s *stubSignaler) Active() bool { return s.active }

func (s *stubSignaler) SignalRetry() {
	s.signalMu.Lock()
	s.signals++
	s.signalMu.Unlock()
}

func awaitRequest(t *testing.T, req *chanRequester) string {
	t.Helper()
	select {
	case id := <-req.calls:
		return id
	case <-time.After(time.Second):
		t.Fatal("expected a retry request")
		return ""
	}
}

func TestAmbiguousErrorBackoffGrowth(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 4)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 2}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, 2*time.Second)

	results := make(chan RouteResult, 4)
	c.Subscribe(func(res RouteResult) { results <- res })
	ctx := context.Background()

	ambiguous := RouteResult{State: StateError, DispatchID: "D-1"}
	for i := 0; i < 3; i++ {
		c.HandleResult(ctx, ambiguous)
		if got := awaitRequest(t, req); got != "D-1" {
			t.Fatalf("unexpected dispatch id %q", got)
		}
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := clk.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, got)
		}
	}
	if c.Remaining() != 0 {
		t.Fatalf("expected exhausted budget, got %d", c.Remaining())
	}

	// fourth failure gives up and publishes the terminal error
	c.HandleResult(ctx, ambiguous)
	select {
	case res := <-results:
		if res.State != StateError {
			t.Fatalf("expected published error, got %s", res.State)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a published result after exhaustion")
	}
	select {
	case <-req.calls:
		t.Fatal("no retry should be issued after exhaustion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForeignDispatchCoercedToIgnore(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 2}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, time.Second)

	results := make(chan RouteResult, 1)
	c.Subscribe(func(res RouteResult) { results <- res })

	c.HandleResult(context.Background(), RouteResult{
		State:      StateSuccess,
		DispatchID: "D-OLD",
		StopETAs:   []StopETA{{StopID: 1}, {StopID: 2}},
	})

	res := <-results
	if res.State != StateIgnore {
		t.Fatalf("foreign dispatch should publish as ignore, got %s", res.State)
	}
	if c.Remaining() != 3 {
		t.Fatalf("ignore must not touch the budget, got %d", c.Remaining())
	}
}

func TestStopCountMismatchForcesRetry(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 3}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, time.Second)

	results := make(chan RouteResult, 1)
	c.Subscribe(func(res RouteResult) { results <- res })

	// two ETAs against three uncompleted stops: result cannot be trusted
	c.HandleResult(context.Background(), RouteResult{
		State:      StateSuccess,
		DispatchID: "D-1",
		StopETAs:   []StopETA{{StopID: 1}, {StopID: 2}},
	})

	awaitRequest(t, req)
	select {
	case res := <-results:
		t.Fatalf("mismatched result must not publish, got %s", res.State)
	default:
	}
	if c.Remaining() != 2 {
		t.Fatalf("expected one retry consumed, got %d", c.Remaining())
	}
}

func TestSuccessRestoresBudget(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 1}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, time.Second)

	results := make(chan RouteResult, 2)
	c.Subscribe(func(res RouteResult) { results <- res })
	ctx := context.Background()

	c.HandleResult(ctx, RouteResult{State: StateError, DispatchID: "D-1"})
	awaitRequest(t, req)
	if c.Remaining() != 2 {
		t.Fatalf("expected consumed retry, got %d", c.Remaining())
	}

	c.HandleResult(ctx, RouteResult{
		State:      StateSuccess,
		DispatchID: "D-1",
		StopETAs:   []StopETA{{StopID: 1}},
	})
	res := <-results
	if res.State != StateSuccess {
		t.Fatalf("expected published success, got %s", res.State)
	}
	if c.Remaining() != 3 {
		t.Fatalf("success should restore the budget, got %d", c.Remaining())
	}
}

func TestExplicitErrorIsTerminal(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 1}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, time.Second)

	results := make(chan RouteResult, 1)
	c.Subscribe(func(res RouteResult) { results <- res })

	c.HandleResult(context.Background(), RouteResult{
		State:        StateError,
		DispatchID:   "D-1",
		ErrorMessage: "no route between stops",
	})

	res := <-results
	if res.State != StateError || res.ErrorMessage == "" {
		t.Fatalf("expected terminal error published, got %+v", res)
	}
	if c.Remaining() != 3 {
		t.Fatalf("explicit error must not consume the budget, got %d", c.Remaining())
	}
	select {
	case <-req.calls:
		t.Fatal("explicit error must not schedule a retry")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestActiveSignalerOwnsRetry(t *testing.T) {
	clk := &recordClock{}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 1}
	sig := &stubSignaler{active: true}
	c := NewController(trip, req, sig, clk, testLogger{}, 3, time.Second)

	c.HandleResult(context.Background(), RouteResult{State: StateError, DispatchID: "D-1"})

	deadline := time.Now().Add(time.Second)
	for {
		sig.signalMu.Lock()
		n := sig.signals
		sig.signalMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the signaler to own the retry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-req.calls:
		t.Fatal("requester must not fire when the signaler is active")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResetCancelsScheduledRetry(t *testing.T) {
	clk := &blockClock{ch: make(chan time.Time)}
	req := &chanRequester{calls: make(chan string, 1)}
	trip := &stubTrip{dispatchID: "D-1", uncompleted: 1}
	c := NewController(trip, req, nil, clk, testLogger{}, 3, time.Second)

	c.HandleResult(context.Background(), RouteResult{State: StateError, DispatchID: "D-1"})
	c.Reset()

	select {
	case <-req.calls:
		t.Fatal("reset must suppress the scheduled retry")
	case <-time.After(100 * time.Millisecond):
	}
	if c.Remaining() != 3 {
		t.Fatalf("reset should restore the budget, got %d", c.Remaining())
	}
}

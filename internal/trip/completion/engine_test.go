package completion

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"tripmate/internal/trip/advisory"
	"tripmate/internal/trip/model"
	"tripmate/internal/trip/store"
	"tripmate/internal/trip/triggercache"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (m *mapKV) Get(ctx context.Context, key, def string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *mapKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type stubStops struct {
	mu     sync.Mutex
	order  []int
	stops  map[int]*model.Stop
	events []model.ActionEvent
}

func newStubStops(stops ...*model.Stop) *stubStops {
	s := &stubStops{stops: make(map[int]*model.Stop)}
	for _, st := range stops {
		s.stops[st.StopID] = st
		s.order = append(s.order, st.StopID)
	}
	return s
}

func (s *stubStops) GetActiveStops(ctx context.Context, dispatchID string) ([]model.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Stop
	for _, id := range s.order {
		st := s.stops[id]
		if st.Deleted != 0 {
			continue
		}
		cp := *st
		cp.Actions = append([]model.Action(nil), st.Actions...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *stubStops) GetActions(ctx context.Context, dispatchID string, stopID int) ([]model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[stopID]
	if !ok {
		return nil, nil
	}
	return append([]model.Action(nil), st.Actions...), nil
}

func (s *stubStops) SubmitActionEvent(ctx context.Context, path string, event model.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubStops) MarkResponseSent(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stops[stopID]
	for i := range st.Actions {
		if st.Actions[i].ActionType == actionType {
			st.Actions[i].ResponseSent = true
		}
	}
	return nil
}

func (s *stubStops) MarkTriggerReceived(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stops[stopID]
	for i := range st.Actions {
		if st.Actions[i].ActionType == actionType {
			st.Actions[i].TriggerReceived = true
			st.Actions[i].TriggerReceivedTime = at
		}
	}
	return nil
}

func (s *stubStops) MarkStopCompleted(ctx context.Context, dispatchID string, stopID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[stopID].CompletedTime = at.Format(time.RFC3339)
	return nil
}

func (s *stubStops) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubGeofence struct {
	mu       sync.Mutex
	released []int
}

func (g *stubGeofence) Release(ctx context.Context, dispatchID string, stopID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, stopID)
	return nil
}

type stubAdvisor struct {
	mu       sync.Mutex
	enqueued []advisory.Message
	removed  []int64
}

func (a *stubAdvisor) Enqueue(ctx context.Context, msg advisory.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueued = append(a.enqueued, msg)
}

func (a *stubAdvisor) RemoveIfPresent(messageID int64) []advisory.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, messageID)
	return nil
}

type stubTelemetry struct{}

func (stubTelemetry) Current(ctx context.Context) (model.Telemetry, error) {
	return model.Telemetry{Location: model.GeoPoint{Lon: 76.9, Lat: 43.25}, OdometerKM: 1200, FuelLevel: 0.6}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                         { return c.now }
func (c fixedClock) After(d time.Duration) <-chan time.Time { return time.After(0) }

type engineEnv struct {
	engine *Engine
	stops  *stubStops
	cache  *triggercache.Cache
	geo    *stubGeofence
	adv    *stubAdvisor
	kv     *mapKV
}

func newEngineEnv(t *testing.T, stops ...*model.Stop) *engineEnv {
	t.Helper()
	kv := newMapKV()
	src := newStubStops(stops...)
	cache := triggercache.New(kv, testLogger{})
	geo := &stubGeofence{}
	adv := &stubAdvisor{}
	clk := fixedClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine := NewEngine(src, cache, geo, adv, stubTelemetry{}, kv, clk, testLogger{})
	_ = kv.Set(context.Background(), store.KeyActiveDispatchID, "D-1")
	return &engineEnv{engine: engine, stops: src, cache: cache, geo: geo, adv: adv, kv: kv}
}

func TestSendActionResponseIsIdempotent(t *testing.T) {
	env := newEngineEnv(t, &model.Stop{
		StopID: 1, DispatchID: "D-1", Sequenced: 0,
		Actions: []model.Action{{ActionType: model.ActionArrived}},
	})
	ctx := context.Background()

	if !env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "") {
		t.Fatal("first response should succeed")
	}
	if !env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "") {
		t.Fatal("second response should no-op as success")
	}
	if got := env.stops.eventCount(); got != 1 {
		t.Fatalf("expected exactly one submitted event, got %d", got)
	}
	actions, _ := env.stops.GetActions(ctx, "D-1", 1)
	if !actions[0].ResponseSent {
		t.Fatal("responseSent should remain true")
	}
}

func TestDepartedRejectedBeforeArrivalConfirmed(t *testing.T) {
	env := newEngineEnv(t, &model.Stop{
		StopID: 1, DispatchID: "D-1",
		Actions: []model.Action{
			{ActionType: model.ActionArrived},
			{ActionType: model.ActionDeparted},
		},
	})
	ctx := context.Background()

	if env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionDeparted, model.ReasonManual, "") {
		t.Fatal("departure should be rejected while arrival is pending")
	}
	if got := env.stops.eventCount(); got != 0 {
		t.Fatalf("no event should be submitted, got %d", got)
	}

	if !env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "") {
		t.Fatal("arrival should succeed")
	}
	if !env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionDeparted, model.ReasonManual, "") {
		t.Fatal("departure should succeed after arrival")
	}
}

func TestArrivalTriggerRejectedForUnknownStop(t *testing.T) {
	env := newEngineEnv(t, &model.Stop{
		StopID: 1, DispatchID: "D-1",
		Actions: []model.Action{{ActionType: model.ActionArrived}},
	})
	if env.engine.HandleArrivalTrigger(context.Background(), 99, model.GeoPoint{}) {
		t.Fatal("trigger for unknown stop should be rejected")
	}
	if len(env.adv.enqueued) != 0 {
		t.Fatal("rejected trigger must not enqueue a message")
	}
}

func TestAutoDepartureCascade(t *testing.T) {
	stopX := &model.Stop{
		StopID: 1, DispatchID: "D-1",
		Actions: []model.Action{
			{ActionType: model.ActionArrived, ResponseSent: true},
			{ActionType: model.ActionDeparted},
		},
	}
	stopY := &model.Stop{
		StopID: 2, DispatchID: "D-1",
		Actions: []model.Action{{ActionType: model.ActionArrived}},
	}
	env := newEngineEnv(t, stopX, stopY)
	ctx := context.Background()

	env.cache.Add(ctx, 1)

	if !env.engine.HandleArrivalTrigger(ctx, 2, model.GeoPoint{}) {
		t.Fatal("arrival at stop 2 should be accepted")
	}

	actions, _ := env.stops.GetActions(ctx, "D-1", 1)
	departed := false
	for _, a := range actions {
		if a.ActionType == model.ActionDeparted && a.ResponseSent {
			departed = true
		}
	}
	if !departed {
		t.Fatal("stop 1 should be auto-departed after arrival at stop 2")
	}
	if env.cache.Contains(ctx, 1) {
		t.Fatal("stop 1 trigger cache entry should be gone")
	}

	env.geo.mu.Lock()
	releasedOne := false
	for _, id := range env.geo.released {
		if id == 1 {
			releasedOne = true
		}
	}
	env.geo.mu.Unlock()
	if !releasedOne {
		t.Fatal("stop 1 geofence should be released")
	}

	// the auto departure event carries the AUTO reason
	env.stops.mu.Lock()
	defer env.stops.mu.Unlock()
	found := false
	for _, ev := range env.stops.events {
		if ev.StopID == 1 && ev.ActionType == model.ActionDeparted {
			found = true
			if ev.Reason != model.ReasonAuto {
				t.Fatalf("expected AUTO reason, got %s", ev.Reason)
			}
		}
	}
	if !found {
		t.Fatal("expected a departed event for stop 1")
	}
}

func TestArrivalMessagePriorityTracksCurrentStop(t *testing.T) {
	env := newEngineEnv(t,
		&model.Stop{StopID: 1, DispatchID: "D-1", Actions: []model.Action{{ActionType: model.ActionArrived}}},
		&model.Stop{StopID: 2, DispatchID: "D-1", Actions: []model.Action{{ActionType: model.ActionArrived, GufType: 1}}},
	)
	ctx := context.Background()

	snap, _ := json.Marshal(map[string]interface{}{"stopId": 2, "seq": 1, "name": "Depot"})
	_ = env.kv.Set(ctx, store.KeyCurrentStop, string(snap))

	env.engine.HandleArrivalTrigger(ctx, 1, model.GeoPoint{})
	env.engine.HandleArrivalTrigger(ctx, 2, model.GeoPoint{})

	if len(env.adv.enqueued) != 2 {
		t.Fatalf("expected 2 enqueued messages, got %d", len(env.adv.enqueued))
	}
	if env.adv.enqueued[0].Priority != advisory.PriorityArriveAtOtherStop {
		t.Fatalf("stop 1 should rank as other-stop arrival, got %s", env.adv.enqueued[0].Priority)
	}
	if env.adv.enqueued[1].Priority != advisory.PriorityArriveAtCurrentStop {
		t.Fatalf("stop 2 should rank as current-stop arrival, got %s", env.adv.enqueued[1].Priority)
	}
	if !env.adv.enqueued[1].NegativeGuf {
		t.Fatal("guf-typed arrive action should mark the prompt negative-guf eligible")
	}
}

func TestTerminalCompletionPromotesNextSequencedStop(t *testing.T) {
	env := newEngineEnv(t,
		&model.Stop{StopID: 1, Seq: 0, Sequenced: 1, DispatchID: "D-1",
			Actions: []model.Action{{ActionType: model.ActionArrived}}},
		&model.Stop{StopID: 2, Seq: 1, Sequenced: 1, DispatchID: "D-1",
			Actions: []model.Action{{ActionType: model.ActionArrived}}},
	)
	ctx := context.Background()

	if !env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "") {
		t.Fatal("arrival should succeed")
	}

	raw, _ := env.kv.Get(ctx, store.KeyCurrentStop, "")
	if !strings.Contains(raw, `"stopId":2`) {
		t.Fatalf("expected stop 2 promoted as current, got %q", raw)
	}
}

func TestUnsequencedCompletionSurfacesSelectStopAdvisory(t *testing.T) {
	env := newEngineEnv(t,
		&model.Stop{StopID: 1, Seq: 0, Sequenced: 0, DispatchID: "D-1",
			Actions: []model.Action{{ActionType: model.ActionArrived}}},
		&model.Stop{StopID: 2, Seq: 1, Sequenced: 0, DispatchID: "D-1",
			Actions: []model.Action{{ActionType: model.ActionArrived}}},
	)
	ctx := context.Background()

	env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "")

	var selects []advisory.Message
	env.adv.mu.Lock()
	for _, m := range env.adv.enqueued {
		if m.Priority == advisory.PrioritySelectStopToNavigate {
			selects = append(selects, m)
		}
	}
	env.adv.mu.Unlock()
	if len(selects) != 1 {
		t.Fatalf("expected one select-stop advisory, got %d", len(selects))
	}
}

func TestManipulationFlagClearing(t *testing.T) {
	env := newEngineEnv(t, &model.Stop{
		StopID: 1, DispatchID: "D-1",
		Actions: []model.Action{{ActionType: model.ActionArrived}},
	})
	ctx := context.Background()

	env.engine.MarkManipulated(ctx, 1)
	if !env.engine.Manipulated(ctx) {
		t.Fatal("flag should be raised")
	}

	// single-action stop: the one action clears the flag
	env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "")
	if env.engine.Manipulated(ctx) {
		t.Fatal("flag should clear after the single action completes")
	}
}

func TestManipulationMultiActionManualClearsOnLast(t *testing.T) {
	env := newEngineEnv(t, &model.Stop{
		StopID: 1, DispatchID: "D-1",
		Actions: []model.Action{
			{ActionType: model.ActionArrived},
			{ActionType: model.ActionDeparted},
		},
	})
	ctx := context.Background()

	env.engine.MarkManipulated(ctx, 1)
	env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionArrived, model.ReasonManual, "")
	if !env.engine.Manipulated(ctx) {
		t.Fatal("flag should survive a non-final manual action")
	}
	env.engine.SendActionResponse(ctx, "D-1", 1, model.ActionDeparted, model.ReasonManual, "")
	if env.engine.Manipulated(ctx) {
		t.Fatal("flag should clear after the last declared action")
	}
}

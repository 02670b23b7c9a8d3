package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tripmate/internal/trip/advisory"
	"tripmate/internal/trip/clock"
	"tripmate/internal/trip/model"
	"tripmate/internal/trip/store"
	"tripmate/internal/trip/triggercache"
)

// Logger provides minimal logging for the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StopSource covers the stop/action persistence consumed by the engine. It
// must tolerate concurrent calls from independent trigger tasks.
type StopSource interface {
	GetActiveStops(ctx context.Context, dispatchID string) ([]model.Stop, error)
	GetActions(ctx context.Context, dispatchID string, stopID int) ([]model.Action, error)
	SubmitActionEvent(ctx context.Context, path string, event model.ActionEvent) error
	MarkResponseSent(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType) error
	MarkTriggerReceived(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType, at time.Time) error
	MarkStopCompleted(ctx context.Context, dispatchID string, stopID int, at time.Time) error
}

// Geofencer releases stop geofence registrations once a stop is done.
type Geofencer interface {
	Release(ctx context.Context, dispatchID string, stopID int) error
}

// Advisor is the message scheduler surface the engine feeds.
type Advisor interface {
	Enqueue(ctx context.Context, msg advisory.Message)
	RemoveIfPresent(messageID int64) []advisory.Message
}

// TelemetrySource supplies the vehicle snapshot stamped into event records.
type TelemetrySource interface {
	Current(ctx context.Context) (model.Telemetry, error)
}

// manipulationRecord is the persisted stop-manipulation flag payload.
type manipulationRecord struct {
	StopID int  `json:"stopId"`
	Set    bool `json:"set"`
}

// currentStopSnapshot is persisted so trip progress survives restarts.
type currentStopSnapshot struct {
	StopID int    `json:"stopId"`
	Seq    int    `json:"seq"`
	Name   string `json:"name"`
}

// Engine validates and applies action completion against trip-topology
// rules and cascades the side effects: auto-departure of the previous stop,
// next-stop promotion and trigger cache maintenance. Public operations fail
// soft: they log and return defaults because callers run inside best-effort
// background triggers.
type Engine struct {
	stops     StopSource
	cache     *triggercache.Cache
	geofence  Geofencer
	advisor   Advisor
	telemetry TelemetrySource
	kv        store.KV
	clk       clock.Clock
	logger    Logger
}

// NewEngine constructs a stop completion engine.
func NewEngine(stops StopSource, cache *triggercache.Cache, geofence Geofencer, advisor Advisor, telemetry TelemetrySource, kv store.KV, clk clock.Clock, logger Logger) *Engine {
	return &Engine{
		stops:     stops,
		cache:     cache,
		geofence:  geofence,
		advisor:   advisor,
		telemetry: telemetry,
		kv:        kv,
		clk:       clk,
		logger:    logger,
	}
}

// ActiveDispatchID reads the persisted active dispatch, empty when no trip
// is running.
func (e *Engine) ActiveDispatchID(ctx context.Context) string {
	id, err := e.kv.Get(ctx, store.KeyActiveDispatchID, "")
	if err != nil {
		e.logger.Errorf("completion: read active dispatch failed: %v", err)
		return ""
	}
	return id
}

// HandleArrivalTrigger processes a geofence-entry trigger for the stop.
// Returns false when the trigger was rejected; a rejected trigger produces
// no state change and the driver can re-trigger by re-entering the geofence.
func (e *Engine) HandleArrivalTrigger(ctx context.Context, stopID int, loc model.GeoPoint) bool {
	dispatchID := e.ActiveDispatchID(ctx)
	if dispatchID == "" {
		e.logger.Infof("completion: arrival trigger for stop %d with no active trip", stopID)
		return false
	}
	stops, err := e.stops.GetActiveStops(ctx, dispatchID)
	if err != nil {
		e.logger.Errorf("completion: load stops failed: %v", err)
		return false
	}

	ok, reason := ValidateArrival(stops, stopID)
	if !ok {
		e.logger.Infof("completion: arrival trigger for stop %d rejected: %s", stopID, reason)
		return false
	}

	e.cache.Add(ctx, stopID)
	now := e.clk.Now()
	if err := e.stops.MarkTriggerReceived(ctx, dispatchID, stopID, model.ActionArrived, now); err != nil {
		e.logger.Errorf("completion: mark trigger received failed: %v", err)
	}

	e.enqueueArrivalMessage(ctx, stops, stopID, loc)
	e.autoDepartSweep(ctx, dispatchID, stops, stopID)
	return true
}

// enqueueArrivalMessage surfaces the arrival prompt, ranked by whether the
// stop is the one currently tracked.
func (e *Engine) enqueueArrivalMessage(ctx context.Context, stops []model.Stop, stopID int, loc model.GeoPoint) {
	var stop model.Stop
	for _, s := range stops {
		if s.StopID == stopID {
			stop = s
			break
		}
	}
	arrive, _ := stop.ActionOfType(model.ActionArrived)

	priority := advisory.PriorityArriveAtOtherStop
	if cur, ok := e.currentStop(ctx); ok && cur.StopID == stopID {
		priority = advisory.PriorityArriveAtCurrentStop
	}

	e.advisor.Enqueue(ctx, advisory.Message{
		MessageID:         int64(stopID),
		Text:              fmt.Sprintf("Arrived at %s. Confirm?", stop.Name),
		Priority:          priority,
		StopIDs:           []int{stopID},
		Anchor:            stop.Center,
		LocationAtEnqueue: loc,
		RequiresDecision:  true,
		NegativeGuf:       arrive.NegativeGufEligible(),
	})
}

// SendActionResponse applies the completion of a single action. Idempotent:
// an already-responded action submits nothing and reports success. A
// departed trigger is rejected while the stop's arrive action is still
// pending, which prevents marking departure for a stop whose arrival was
// never confirmed.
func (e *Engine) SendActionResponse(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType, reason model.ReasonType, arrivalReason string) bool {
	actions, err := e.stops.GetActions(ctx, dispatchID, stopID)
	if err != nil {
		e.logger.Errorf("completion: load actions for stop %d failed: %v", stopID, err)
		return false
	}

	var target *model.Action
	var arrive *model.Action
	for i := range actions {
		if actions[i].ActionType == actionType {
			target = &actions[i]
		}
		if actions[i].ActionType == model.ActionArrived {
			arrive = &actions[i]
		}
	}
	if target == nil {
		e.logger.Infof("completion: stop %d has no %s action", stopID, actionType)
		return false
	}
	if target.ResponseSent {
		// duplicate trigger for a completed action, idempotent no-op
		return true
	}
	if actionType == model.ActionDeparted && arrive != nil && !arrive.ResponseSent {
		e.logger.Infof("completion: departed trigger for stop %d rejected: crossed geofence without confirming arrival", stopID)
		return false
	}

	now := e.clk.Now()
	tel, err := e.telemetry.Current(ctx)
	if err != nil {
		e.logger.Errorf("completion: telemetry snapshot failed: %v", err)
		tel = model.Telemetry{At: now}
	}
	event := model.ActionEvent{
		EventID:       uuid.NewString(),
		DispatchID:    dispatchID,
		StopID:        stopID,
		ActionType:    actionType,
		Reason:        reason,
		OccurredAt:    now,
		TriggeredAt:   target.TriggerReceivedTime,
		Location:      tel.Location,
		OdometerKM:    tel.OdometerKM,
		FuelLevel:     tel.FuelLevel,
		ArrivalReason: arrivalReason,
	}
	path := fmt.Sprintf("/dispatch/%s/stops/%d/actions/%d", dispatchID, stopID, int(actionType))
	if err := e.stops.SubmitActionEvent(ctx, path, event); err != nil {
		e.logger.Errorf("completion: submit event for stop %d %s failed: %v", stopID, actionType, err)
		return false
	}
	if err := e.stops.MarkResponseSent(ctx, dispatchID, stopID, actionType); err != nil {
		e.logger.Errorf("completion: mark response sent failed: %v", err)
		return false
	}

	e.clearManipulationIfSettled(ctx, dispatchID, stopID, actionType, reason, actions)

	if actionType == model.ActionArrived {
		stops, err := e.stops.GetActiveStops(ctx, dispatchID)
		if err == nil {
			e.autoDepartSweep(ctx, dispatchID, stops, stopID)
		}
	}

	e.finishStopIfDone(ctx, dispatchID, stopID)
	return true
}

// autoDepartSweep marks departure for any other stop that confirmed arrival
// but never departed. The vehicle has demonstrably moved on, so no stop is
// left stuck between arrival and departure.
func (e *Engine) autoDepartSweep(ctx context.Context, dispatchID string, stops []model.Stop, arrivedStopID int) {
	for _, s := range stops {
		if s.StopID == arrivedStopID || !s.Active() {
			continue
		}
		arrive, hasArrive := s.ActionOfType(model.ActionArrived)
		depart, hasDepart := s.ActionOfType(model.ActionDeparted)
		if !hasArrive || !hasDepart {
			continue
		}
		if !arrive.ResponseSent || depart.ResponseSent {
			continue
		}
		e.logger.Infof("completion: auto-departing stop %d after arrival at %d", s.StopID, arrivedStopID)
		if !e.SendActionResponse(ctx, dispatchID, s.StopID, model.ActionDeparted, model.ReasonAuto, "") {
			continue
		}
		if err := e.geofence.Release(ctx, dispatchID, s.StopID); err != nil {
			e.logger.Errorf("completion: geofence release for stop %d failed: %v", s.StopID, err)
		}
		for range e.cache.Remove(ctx, s.StopID) {
			e.advisor.RemoveIfPresent(int64(s.StopID))
		}
	}
}

// finishStopIfDone stamps terminal completion and promotes the next stop
// once every action of the stop has responded.
func (e *Engine) finishStopIfDone(ctx context.Context, dispatchID string, stopID int) {
	actions, err := e.stops.GetActions(ctx, dispatchID, stopID)
	if err != nil {
		e.logger.Errorf("completion: reload actions for stop %d failed: %v", stopID, err)
		return
	}
	for _, a := range actions {
		if !a.ResponseSent {
			return
		}
	}

	now := e.clk.Now()
	if err := e.stops.MarkStopCompleted(ctx, dispatchID, stopID, now); err != nil {
		e.logger.Errorf("completion: mark stop %d completed failed: %v", stopID, err)
	}
	for range e.cache.Remove(ctx, stopID) {
		e.advisor.RemoveIfPresent(int64(stopID))
	}
	if err := e.geofence.Release(ctx, dispatchID, stopID); err != nil {
		e.logger.Errorf("completion: geofence release for stop %d failed: %v", stopID, err)
	}
	e.SelectNextStop(ctx, dispatchID)
}

// SelectNextStop promotes the next uncompleted sequenced stop to "current
// stop for tracking". Unsequenced trips leave the current stop unset and
// surface a select-a-stop advisory instead.
func (e *Engine) SelectNextStop(ctx context.Context, dispatchID string) {
	stops, err := e.stops.GetActiveStops(ctx, dispatchID)
	if err != nil {
		e.logger.Errorf("completion: load stops for next-stop selection failed: %v", err)
		return
	}

	for _, s := range stops {
		if s.Sequenced != 1 || s.Completed() {
			continue
		}
		snap, err := json.Marshal(currentStopSnapshot{StopID: s.StopID, Seq: s.Seq, Name: s.Name})
		if err == nil {
			if err := e.kv.Set(ctx, store.KeyCurrentStop, string(snap)); err != nil {
				e.logger.Errorf("completion: persist current stop failed: %v", err)
			}
		}
		return
	}

	// nothing sequenced remains: clear tracking and let the driver choose
	if err := e.kv.Set(ctx, store.KeyCurrentStop, ""); err != nil {
		e.logger.Errorf("completion: clear current stop failed: %v", err)
	}
	remaining := 0
	for _, s := range stops {
		if !s.Completed() {
			remaining++
		}
	}
	if remaining > 0 {
		e.advisor.Enqueue(ctx, advisory.Message{
			MessageID: selectStopMessageID,
			Text:      "Select a stop to navigate to",
			Priority:  advisory.PrioritySelectStopToNavigate,
		})
	}
}

// Reserved ids for the singleton advisory classes; stop-derived ids for
// arrival prompts start at 1.
const (
	selectStopMessageID   int64 = -1
	completeFormMessageID int64 = -2
	nextStopMessageID     int64 = -3
)

// currentStop reads the persisted current-stop snapshot.
func (e *Engine) currentStop(ctx context.Context) (currentStopSnapshot, bool) {
	raw, err := e.kv.Get(ctx, store.KeyCurrentStop, "")
	if err != nil || raw == "" {
		return currentStopSnapshot{}, false
	}
	var snap currentStopSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return currentStopSnapshot{}, false
	}
	return snap, true
}

// MarkManipulated raises the stop-manipulation flag after a trip edit. The
// flag blocks route recalculation until the action that triggered the edit
// reconciliation completes.
func (e *Engine) MarkManipulated(ctx context.Context, stopID int) {
	data, err := json.Marshal(manipulationRecord{StopID: stopID, Set: true})
	if err != nil {
		return
	}
	if err := e.kv.Set(ctx, store.KeyStopManipulated, string(data)); err != nil {
		e.logger.Errorf("completion: persist manipulation flag failed: %v", err)
	}
}

// Manipulated reports whether route recalculation is currently blocked.
func (e *Engine) Manipulated(ctx context.Context) bool {
	raw, err := e.kv.Get(ctx, store.KeyStopManipulated, "")
	if err != nil || raw == "" {
		return false
	}
	var rec manipulationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false
	}
	return rec.Set
}

// clearManipulationIfSettled lowers the manipulation flag once the specific
// action whose completion triggered the edit reconciliation has itself
// completed. Single-action stops clear on their one action. Multi-action
// stops clear on the last action in declared order for manual completion,
// or once all but the last have responded for automatic completion, since
// the final write lands at response time.
func (e *Engine) clearManipulationIfSettled(ctx context.Context, dispatchID string, stopID int, actionType model.ActionType, reason model.ReasonType, actions []model.Action) {
	raw, err := e.kv.Get(ctx, store.KeyStopManipulated, "")
	if err != nil || raw == "" {
		return
	}
	var rec manipulationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || !rec.Set || rec.StopID != stopID {
		return
	}

	settled := false
	switch {
	case len(actions) <= 1:
		settled = true
	case reason == model.ReasonManual:
		settled = actions[len(actions)-1].ActionType == actionType
	default:
		settled = true
		for _, a := range actions[:len(actions)-1] {
			if a.ActionType == actionType {
				continue
			}
			if !a.ResponseSent {
				settled = false
				break
			}
		}
	}
	if !settled {
		return
	}
	if err := e.kv.Set(ctx, store.KeyStopManipulated, ""); err != nil {
		e.logger.Errorf("completion: clear manipulation flag failed: %v", err)
	}
}

// HandleStopDeleted evicts all per-stop state when a push edit soft-deletes
// a stop.
func (e *Engine) HandleStopDeleted(ctx context.Context, dispatchID string, stopID int) {
	for range e.cache.Remove(ctx, stopID) {
		e.advisor.RemoveIfPresent(int64(stopID))
	}
	if err := e.geofence.Release(ctx, dispatchID, stopID); err != nil {
		e.logger.Errorf("completion: geofence release for deleted stop %d failed: %v", stopID, err)
	}
}

// UncompletedStopCount counts active stops that have not reached terminal
// completion; the retry controller compares route results against it.
func (e *Engine) UncompletedStopCount(ctx context.Context, dispatchID string) int {
	stops, err := e.stops.GetActiveStops(ctx, dispatchID)
	if err != nil {
		e.logger.Errorf("completion: count uncompleted stops failed: %v", err)
		return 0
	}
	n := 0
	for _, s := range stops {
		if !s.Completed() {
			n++
		}
	}
	return n
}

package trip

import (
	"context"

	"tripmate/internal/trip/advisory"
	"tripmate/internal/trip/completion"
	"tripmate/internal/trip/geofence"
	"tripmate/internal/trip/model"
	"tripmate/internal/trip/routing"
	"tripmate/internal/trip/store"
	"tripmate/internal/trip/triggercache"
)

// Coordinator composes the four coordination cores and owns the per-trip
// lifecycle boundary: everything it holds is torn down together at trip
// end.
type Coordinator struct {
	engine    *completion.Engine
	scheduler *advisory.Scheduler
	cache     *triggercache.Cache
	retry     *routing.Controller
	registry  *geofence.Registry
	kv        store.KV
	logger    Logger
}

// NewCoordinator wires the cores together, including the negative-timeout
// path from the scheduler's countdown back into the completion engine.
func NewCoordinator(engine *completion.Engine, scheduler *advisory.Scheduler, cache *triggercache.Cache, retry *routing.Controller, registry *geofence.Registry, kv store.KV, logger Logger) *Coordinator {
	c := &Coordinator{
		engine:    engine,
		scheduler: scheduler,
		cache:     cache,
		retry:     retry,
		registry:  registry,
		kv:        kv,
		logger:    logger,
	}
	scheduler.OnNegativeTimeout(c.handleNegativeTimeout)
	return c
}

// StartTrip activates a dispatch: persists the active id, registers the
// stop geofences and promotes the first stop.
func (c *Coordinator) StartTrip(ctx context.Context, dispatchID string, stops []model.Stop) {
	if err := c.kv.Set(ctx, store.KeyActiveDispatchID, dispatchID); err != nil {
		c.logger.Errorf("trip: persist active dispatch failed: %v", err)
		return
	}
	for _, s := range stops {
		if !s.Active() {
			continue
		}
		if err := c.registry.Register(ctx, dispatchID, s.StopID, s.Center.Lon, s.Center.Lat); err != nil {
			c.logger.Errorf("trip: register geofence for stop %d failed: %v", s.StopID, err)
		}
	}
	c.retry.Reset()
	c.engine.SelectNextStop(ctx, dispatchID)
}

// HandleGeofenceEntry is the arrival trigger entry point; it runs the full
// cache → completion → advisory pipeline and then an arbitration pass.
func (c *Coordinator) HandleGeofenceEntry(ctx context.Context, stopID int, loc model.GeoPoint) {
	if !c.engine.HandleArrivalTrigger(ctx, stopID, loc) {
		return
	}
	c.scheduler.Arbitrate(ctx)
}

// HandleDriverResponse applies the driver's explicit answer to an arrival
// prompt. A negative answer completes the arrive action with a negative
// annotation, mirroring the timeout path.
func (c *Coordinator) HandleDriverResponse(ctx context.Context, stopID int, accepted bool) {
	dispatchID := c.engine.ActiveDispatchID(ctx)
	if dispatchID == "" {
		return
	}

	c.scheduler.RemoveIfPresent(int64(stopID))
	c.cache.Remove(ctx, stopID)

	annotation := ""
	if !accepted {
		annotation = "negative"
	}
	c.engine.SendActionResponse(ctx, dispatchID, stopID, model.ActionArrived, model.ReasonManual, annotation)
	c.scheduler.Arbitrate(ctx)
}

// handleNegativeTimeout is the countdown expiry path: the prompt timed out,
// so the arrival is acknowledged negatively with reason TIMEOUT.
func (c *Coordinator) handleNegativeTimeout(msg advisory.Message) {
	ctx := context.Background()
	dispatchID := c.engine.ActiveDispatchID(ctx)
	if dispatchID == "" {
		return
	}
	for _, stopID := range msg.StopIDs {
		c.cache.Remove(ctx, stopID)
		c.engine.SendActionResponse(ctx, dispatchID, stopID, model.ActionArrived, model.ReasonTimeout, "negative")
	}
	c.scheduler.Arbitrate(ctx)
}

// HandleStopEdit reconciles a push-driven trip edit: raises the
// manipulation flag, evicts deleted-stop state and recomputes the form
// advisory.
func (c *Coordinator) HandleStopEdit(ctx context.Context, stopID int, deleted bool) {
	dispatchID := c.engine.ActiveDispatchID(ctx)
	if dispatchID == "" {
		return
	}
	c.engine.MarkManipulated(ctx, stopID)
	if deleted {
		c.engine.HandleStopDeleted(ctx, dispatchID, stopID)
	}
	c.scheduler.ReconcileForms(ctx, completeFormMessageID)
	c.scheduler.Arbitrate(ctx)
}

// HandleMotionChange pauses or resumes the countdown; the deadline never
// moves.
func (c *Coordinator) HandleMotionChange(moving bool) {
	c.scheduler.SetMoving(moving)
}

// HandleRouteResult forwards an asynchronous route result to the retry
// controller, unless a pending trip edit blocks recalculation.
func (c *Coordinator) HandleRouteResult(ctx context.Context, res routing.RouteResult) {
	if c.engine.Manipulated(ctx) {
		c.logger.Infof("trip: route result deferred, stop manipulation pending")
		return
	}
	c.retry.HandleResult(ctx, res)
}

// EndTrip tears down all per-trip state atomically: countdown and queue,
// pending retry delay, trigger cache, geofences and the durable keys.
func (c *Coordinator) EndTrip(ctx context.Context) {
	dispatchID := c.engine.ActiveDispatchID(ctx)

	c.scheduler.Clear(ctx)
	c.retry.Reset()
	c.cache.Clear(ctx)
	if dispatchID != "" {
		if err := c.registry.ReleaseAll(ctx, dispatchID); err != nil {
			c.logger.Errorf("trip: release geofences failed: %v", err)
		}
	}
	if err := c.kv.Del(ctx, store.KeyActiveDispatchID, store.KeyCurrentStop, store.KeyStopManipulated, store.KeyLastMessageID); err != nil {
		c.logger.Errorf("trip: clear durable keys failed: %v", err)
	}
}

// completeFormMessageID is the reserved id for the singleton form advisory.
const completeFormMessageID int64 = -2

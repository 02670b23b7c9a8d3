package trip

import (
	"context"
	"net/http"
	"time"

	"tripmate/internal/trip/advisory"
	"tripmate/internal/trip/clock"
	"tripmate/internal/trip/completion"
	"tripmate/internal/trip/geofence"
	"tripmate/internal/trip/panel"
	"tripmate/internal/trip/routing"
	"tripmate/internal/trip/store"
	"tripmate/internal/trip/triggercache"
)

type moduleState struct {
	kv          *store.RedisKV
	stopStore   *store.SQLStopStore
	registry    *geofence.Registry
	cache       *triggercache.Cache
	host        *panel.Host
	scheduler   *advisory.Scheduler
	engine      *completion.Engine
	retry       *routing.Controller
	coordinator *Coordinator
}

func ensureModule(deps *TripDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}

	clk := clock.New()
	kv := store.NewRedisKV(deps.RDB)
	stopStore := store.NewSQLStopStore(deps.DB)
	registry := geofence.NewRegistry(deps.RDB)
	cache := triggercache.New(kv, deps.Logger)
	host := panel.NewHost(deps.Logger)

	scheduler := advisory.NewScheduler(host, deps.Motion, deps.Foreground, kv, clk, deps.Logger, advisory.Config{
		NegativeGufTimeout: deps.Config.NegativeGufTimeout,
		DefaultAutoDismiss: deps.Config.DefaultAutoDismiss,
		ExpiryGrace:        deps.Config.ExpiryGrace,
	})
	engine := completion.NewEngine(stopStore, cache, registry, scheduler, deps.Telemetry, kv, clk, deps.Logger)
	retry := routing.NewController(engine, deps.Router, deps.RetryUI, clk, deps.Logger, deps.Config.MaxRouteRetries, deps.Config.RouteRetryBaseDelay)
	coordinator := NewCoordinator(engine, scheduler, cache, retry, registry, kv, deps.Logger)

	// a panel that just finished its handshake gets the queued backlog
	host.OnStateChange(func(s panel.ConnState) {
		if s == panel.StateReady {
			scheduler.Arbitrate(context.Background())
		}
	})

	deps.module = &moduleState{
		kv:          kv,
		stopStore:   stopStore,
		registry:    registry,
		cache:       cache,
		host:        host,
		scheduler:   scheduler,
		engine:      engine,
		retry:       retry,
		coordinator: coordinator,
	}
	return deps.module, nil
}

// TripCoordinator returns the coordinator the surrounding application
// drives.
func TripCoordinator(deps *TripDeps) (*Coordinator, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, err
	}
	return module.coordinator, nil
}

// RegisterTripRoutes wires the advisory panel websocket endpoint into the
// provided mux.
func RegisterTripRoutes(mux *http.ServeMux, deps *TripDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	mux.HandleFunc("/trip/panel/ws", module.host.ServeWS)
	return nil
}

// StartTripWorkers launches background maintenance: a periodic arbitration
// pass that retries transient panel dispatch failures.
func StartTripWorkers(ctx context.Context, deps *TripDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.arbitrationLoop(ctx)
	return nil
}

func (m *moduleState) arbitrationLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scheduler.Arbitrate(ctx)
		}
	}
}

package trip

import (
	"context"
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"

	"tripmate/internal/trip/advisory"
	"tripmate/internal/trip/completion"
	"tripmate/internal/trip/model"
	"tripmate/internal/trip/routing"
)

// Logger provides minimal logging required by the trip module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TripDeps groups external dependencies needed by the trip module. Motion,
// Telemetry, Foreground, Router and RetryUI are collaborator interfaces the
// surrounding application supplies; absent ones fall back to fail-safe
// no-op implementations.
type TripDeps struct {
	DB         *sql.DB
	RDB        *redis.Client
	Logger     Logger
	Config     TripConfig
	Motion     advisory.MotionSensor
	Telemetry  completion.TelemetrySource
	Foreground advisory.ForegroundUI
	Router     routing.RouteRequester
	RetryUI    routing.RetrySignaler

	module *moduleState
}

// Validate ensures required dependencies are provided and fills fail-safe
// defaults for optional collaborators.
func (d *TripDeps) Validate() error {
	if d.DB == nil {
		return errors.New("trip deps: DB is required")
	}
	if d.RDB == nil {
		return errors.New("trip deps: RDB is required")
	}
	if d.Logger == nil {
		return errors.New("trip deps: Logger is required")
	}
	if d.Router == nil {
		return errors.New("trip deps: Router is required")
	}
	if d.Motion == nil {
		d.Motion = unknownMotion{}
	}
	if d.Telemetry == nil {
		d.Telemetry = emptyTelemetry{}
	}
	return nil
}

// unknownMotion reports "not stationary", the fail-safe reading that keeps
// the scheduler from dispatching while motion state is unknown.
type unknownMotion struct{}

func (unknownMotion) IsStationary(ctx context.Context) (bool, error) {
	return false, errors.New("motion sensor not configured")
}

type emptyTelemetry struct{}

func (emptyTelemetry) Current(ctx context.Context) (model.Telemetry, error) {
	return model.Telemetry{}, nil
}

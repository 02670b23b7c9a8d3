package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// stationarySpeedKPH is the threshold under which the vehicle counts as
// stopped for advisory dispatch.
const stationarySpeedKPH = 3.0

// redisMotionSensor reads the latest speed published by the telemetry
// provider. A missing or unparsable value is an error; the scheduler treats
// that as "not stationary".
type redisMotionSensor struct {
	rdb *redis.Client
}

func (m *redisMotionSensor) IsStationary(ctx context.Context) (bool, error) {
	raw, err := m.rdb.Get(ctx, "telemetry:speed_kph").Result()
	if err != nil {
		return false, fmt.Errorf("motion: read speed: %w", err)
	}
	speed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("motion: parse speed %q: %w", raw, err)
	}
	return speed < stationarySpeedKPH, nil
}

// routerClient asks the external route/ETA engine to (re)compute the route.
// Results come back asynchronously on the engine's event stream.
type routerClient struct {
	http    *http.Client
	baseURL string
}

func (r *routerClient) RequestRoute(ctx context.Context, dispatchID string) error {
	u := fmt.Sprintf("%s/route?dispatch_id=%s", r.baseURL, url.QueryEscape(dispatchID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("route engine returned %s", resp.Status)
	}
	return nil
}

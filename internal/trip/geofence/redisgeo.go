package geofence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NearbyStop represents a stop geofence returned from Redis GEO queries.
type NearbyStop struct {
	StopID int
	Dist   float64
	Lon    float64
	Lat    float64
}

// Registry keeps registered stop geofence centers in a redis GEO set, one
// set per dispatch.
type Registry struct {
	rdb *redis.Client
}

// NewRegistry creates a geofence registry.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func redisKey(dispatchID string) string {
	return fmt.Sprintf("geofence:%s", strings.ToLower(strings.TrimSpace(dispatchID)))
}

func memberName(stopID int) string {
	return fmt.Sprintf("stop:%d", stopID)
}

func parseStopMember(member string) (int, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid member %q", member)
	}
	return strconv.Atoi(parts[1])
}

// Register adds or refreshes the geofence center for a stop.
func (g *Registry) Register(ctx context.Context, dispatchID string, stopID int, lon, lat float64) error {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("geofence register: invalid coords lon=%.8f lat=%.8f", lon, lat)
	}
	return g.rdb.GeoAdd(ctx, redisKey(dispatchID), &redis.GeoLocation{
		Name:      memberName(stopID),
		Longitude: lon,
		Latitude:  lat,
	}).Err()
}

// Release removes the stop's geofence registration.
func (g *Registry) Release(ctx context.Context, dispatchID string, stopID int) error {
	return g.rdb.ZRem(ctx, redisKey(dispatchID), memberName(stopID)).Err()
}

// ReleaseAll drops the whole dispatch geofence set at trip teardown.
func (g *Registry) ReleaseAll(ctx context.Context, dispatchID string) error {
	return g.rdb.Del(ctx, redisKey(dispatchID)).Err()
}

// NearbyStops returns registered stops within radius sorted by distance.
func (g *Registry) NearbyStops(ctx context.Context, dispatchID string, lon, lat, radiusMeters float64, limit int) ([]NearbyStop, error) {
	res, err := g.rdb.GeoSearchLocation(ctx, redisKey(dispatchID), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	stops := make([]NearbyStop, 0, len(res))
	for _, item := range res {
		id, err := parseStopMember(item.Name)
		if err != nil {
			continue
		}
		stops = append(stops, NearbyStop{StopID: id, Dist: item.Dist, Lon: item.Longitude, Lat: item.Latitude})
	}
	return stops, nil
}

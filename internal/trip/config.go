package trip

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultMaxRouteRetries    = 3
	defaultRouteRetryBase     = 2 * time.Second
	defaultNegativeGufTimeout = 2 * time.Minute
	defaultAutoDismiss        = 5 * time.Minute
	defaultExpiryGrace        = 2 * time.Second
)

// TripConfig holds runtime configuration for the trip coordination module.
type TripConfig struct {
	MaxRouteRetries     int
	RouteRetryBaseDelay time.Duration
	NegativeGufTimeout  time.Duration
	DefaultAutoDismiss  time.Duration
	ExpiryGrace         time.Duration
}

// LoadTripConfig reads configuration from environment variables and applies
// defaults.
func LoadTripConfig() (TripConfig, error) {
	cfg := TripConfig{
		MaxRouteRetries:     defaultMaxRouteRetries,
		RouteRetryBaseDelay: defaultRouteRetryBase,
		NegativeGufTimeout:  defaultNegativeGufTimeout,
		DefaultAutoDismiss:  defaultAutoDismiss,
		ExpiryGrace:         defaultExpiryGrace,
	}

	if v, err := readIntEnv("MAX_ROUTE_RETRIES"); err != nil {
		return TripConfig{}, fmt.Errorf("parse MAX_ROUTE_RETRIES: %w", err)
	} else if v != nil {
		cfg.MaxRouteRetries = *v
	}

	if v, err := readIntEnv("ROUTE_RETRY_BASE_MS"); err != nil {
		return TripConfig{}, fmt.Errorf("parse ROUTE_RETRY_BASE_MS: %w", err)
	} else if v != nil {
		cfg.RouteRetryBaseDelay = time.Duration(*v) * time.Millisecond
	}

	if v, err := readIntEnv("NEGATIVE_GUF_TIMEOUT_SECONDS"); err != nil {
		return TripConfig{}, fmt.Errorf("parse NEGATIVE_GUF_TIMEOUT_SECONDS: %w", err)
	} else if v != nil {
		cfg.NegativeGufTimeout = time.Duration(*v) * time.Second
	}

	if v, err := readIntEnv("AUTO_DISMISS_SECONDS"); err != nil {
		return TripConfig{}, fmt.Errorf("parse AUTO_DISMISS_SECONDS: %w", err)
	} else if v != nil {
		cfg.DefaultAutoDismiss = time.Duration(*v) * time.Second
	}

	if v, err := readIntEnv("EXPIRY_GRACE_MS"); err != nil {
		return TripConfig{}, fmt.Errorf("parse EXPIRY_GRACE_MS: %w", err)
	} else if v != nil {
		cfg.ExpiryGrace = time.Duration(*v) * time.Millisecond
	}

	if cfg.MaxRouteRetries < 0 {
		return TripConfig{}, fmt.Errorf("MAX_ROUTE_RETRIES must be >= 0")
	}
	if cfg.RouteRetryBaseDelay <= 0 {
		return TripConfig{}, fmt.Errorf("ROUTE_RETRY_BASE_MS must be positive")
	}
	if cfg.NegativeGufTimeout <= 0 || cfg.DefaultAutoDismiss <= 0 {
		return TripConfig{}, fmt.Errorf("timeout values must be positive")
	}

	return cfg, nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

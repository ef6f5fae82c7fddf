// Package config loads the sender settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arsperger/ratecast/pkg/valuehistory"
)

// MinBitrateFloor is the lowest bitrate in Kbps the encoder is driven to.
const MinBitrateFloor = 500

const (
	defaultMinBitrate  = MinBitrateFloor
	defaultMaxBitrate  = 4000
	defaultInitBitrate = MinBitrateFloor
)

// Config holds the sender settings read from the environment.
type Config struct {
	SinkHost string
	SinkPort int
	SrcHost  string
	SrcPort  int

	// MetricsAddr is the Prometheus listen address; empty disables it
	MetricsAddr string
	// RateWindow is how long sent bytes are kept for rate measurement
	RateWindow  time.Duration

	// Kbps
	MinBitrate  int
	MaxBitrate  int
	InitBitrate int

	// ChangeInterval paces encoder bitrate updates
	ChangeInterval time.Duration
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(log *zap.Logger, key string, fallback int) int {
	s, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Warn("invalid integer, using default", zap.String("key", key), zap.String("value", s), zap.Int("default", fallback))
		return fallback
	}
	return v
}

func getEnvDuration(log *zap.Logger, key string, fallback time.Duration) time.Duration {
	s, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		log.Warn("invalid duration, using default", zap.String("key", key), zap.String("value", s), zap.Duration("default", fallback))
		return fallback
	}
	return v
}

// Load reads Config from the environment. Malformed values are logged and
// replaced by their defaults.
func Load(log *zap.Logger) Config {
	cfg := Config{
		SinkHost:       getEnv("UDP_SINK_HOST", "127.0.0.1"),
		SinkPort:       getEnvInt(log, "UDP_SINK_PORT", 6000),
		SrcHost:        getEnv("UDP_SRC_HOST", "127.0.0.1"),
		SrcPort:        getEnvInt(log, "UDP_SRC_PORT", 6000),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		RateWindow:     getEnvDuration(log, "RATE_WINDOW", valuehistory.DefaultRetention),
		MinBitrate:     getEnvInt(log, "MIN_BITRATE", defaultMinBitrate),
		MaxBitrate:     getEnvInt(log, "MAX_BITRATE", defaultMaxBitrate),
		InitBitrate:    getEnvInt(log, "INIT_BITRATE", defaultInitBitrate),
		ChangeInterval: getEnvDuration(log, "CHANGE_INTERVAL", 500*time.Millisecond),
	}
	if err := cfg.checkBitrates(); err != nil {
		log.Warn("invalid bitrate limits, using defaults",
			zap.Error(err),
			zap.Int("min_kbps", defaultMinBitrate),
			zap.Int("max_kbps", defaultMaxBitrate),
			zap.Int("init_kbps", defaultInitBitrate),
		)
		cfg.MinBitrate = defaultMinBitrate
		cfg.MaxBitrate = defaultMaxBitrate
		cfg.InitBitrate = defaultInitBitrate
	}
	return cfg
}

// checkBitrates applies the limits the TFRC controller is built with.
func (c Config) checkBitrates() error {
	if c.MinBitrate < MinBitrateFloor || c.MaxBitrate < MinBitrateFloor || c.InitBitrate < MinBitrateFloor {
		return fmt.Errorf("bitrate must be at least %d Kbps: init %d, min %d, max %d",
			MinBitrateFloor, c.InitBitrate, c.MinBitrate, c.MaxBitrate)
	}
	if c.InitBitrate < c.MinBitrate || c.InitBitrate > c.MaxBitrate {
		return fmt.Errorf("initial bitrate %d must be between min %d and max %d",
			c.InitBitrate, c.MinBitrate, c.MaxBitrate)
	}
	return nil
}

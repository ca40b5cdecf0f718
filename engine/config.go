// Package engine runs durable statecharts: it owns instance startup and
// chart adoption, per-chart executors, the deferred-event scheduler, the
// activity registry and the engine-wide change broadcast.
package engine

import (
	"time"
)

// Config holds every tunable of an engine instance. The zero value is
// not usable; start from DefaultConfig. Validate clamps all values to
// their documented minimums.
type Config struct {
	// ChartMutexTimeout bounds the wait for one chart's mutex. A timeout
	// is treated as a liveness failure and shuts the engine down.
	ChartMutexTimeout time.Duration `long:"chart-mutex-timeout" env:"XJOG_CHART_MUTEX_TIMEOUT" default:"2s" description:"Time to wait for a chart mutex before declaring the engine stuck"`

	// AdoptionFrequency is the pause between gentle adoption passes.
	AdoptionFrequency time.Duration `long:"adoption-frequency" env:"XJOG_ADOPTION_FREQUENCY" default:"2s" description:"Interval between chart adoption passes during startup"`

	// GracePeriod bounds how long startup waits for charts with live
	// activities before adopting them forcibly. It restarts after every
	// pass that adopted at least one chart, bounding quiescence rather
	// than total elapsed time.
	GracePeriod time.Duration `long:"grace-period" env:"XJOG_GRACE_PERIOD" default:"30s" description:"Quiet period before forcible chart adoption"`

	// DeferredBatchSize caps how many deferred events one lookahead read
	// reserves.
	DeferredBatchSize int `long:"deferred-batch-size" env:"XJOG_DEFERRED_BATCH_SIZE" default:"100" description:"Deferred events reserved per batch read"`

	// DeferredInterval is the regular pause between batch reads.
	DeferredInterval time.Duration `long:"deferred-interval" env:"XJOG_DEFERRED_INTERVAL" default:"30s" description:"Interval between deferred event batch reads"`

	// DeferredLookAhead is how far into the future a batch read reserves.
	DeferredLookAhead time.Duration `long:"deferred-look-ahead" env:"XJOG_DEFERRED_LOOK_AHEAD" default:"30s" description:"Horizon of each deferred event batch read"`

	// OwnChartPollingFrequency is the shutdown poll for our charts being
	// adopted elsewhere.
	OwnChartPollingFrequency time.Duration `long:"own-chart-polling-frequency" env:"XJOG_OWN_CHART_POLLING_FREQUENCY" default:"500ms" description:"Shutdown poll interval for remaining owned charts"`

	// MachineCacheSize caps the per-machine executor LRU cache.
	MachineCacheSize int `long:"machine-cache-size" env:"XJOG_MACHINE_CACHE_SIZE" default:"1000" description:"Chart executors cached per machine"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChartMutexTimeout:        2000 * time.Millisecond,
		AdoptionFrequency:        2000 * time.Millisecond,
		GracePeriod:              30 * time.Second,
		DeferredBatchSize:        100,
		DeferredInterval:         30 * time.Second,
		DeferredLookAhead:        30 * time.Second,
		OwnChartPollingFrequency: 500 * time.Millisecond,
		MachineCacheSize:         1000,
	}
}

// Validate clamps every option to its minimum.
func (c *Config) Validate() {
	if c.ChartMutexTimeout < 50*time.Millisecond {
		c.ChartMutexTimeout = 50 * time.Millisecond
	}
	if c.AdoptionFrequency < 10*time.Millisecond {
		c.AdoptionFrequency = 10 * time.Millisecond
	}
	if min := c.AdoptionFrequency * 5 / 2; c.GracePeriod < min {
		c.GracePeriod = min
	}
	if c.DeferredBatchSize < 1 {
		c.DeferredBatchSize = 1
	}
	if c.DeferredInterval < 50*time.Millisecond {
		c.DeferredInterval = 50 * time.Millisecond
	}
	if c.DeferredLookAhead < c.DeferredInterval {
		c.DeferredLookAhead = c.DeferredInterval
	}
	if c.OwnChartPollingFrequency < 50*time.Millisecond {
		c.OwnChartPollingFrequency = 50 * time.Millisecond
	}
	if c.MachineCacheSize < 10 {
		c.MachineCacheSize = 10
	}
}

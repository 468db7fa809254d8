// Package metrics exposes a Prometheus registry over the block cache's
// runtime state: per-disk capacity, cache hit/miss counts, upload latency,
// in-flight upload counts, and disk health state. Grounded on the teacher's
// internal/metrics.Collector for the registry/HTTP-server shape, trimmed to
// this module's own metric set.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls metrics exposition.
type Config struct {
	Enabled bool
	Addr    string
	Path    string
}

// Collector owns the block cache's Prometheus metrics and (optionally) an
// HTTP server exposing them.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	stageBytes    *prometheus.GaugeVec
	cacheBytes    *prometheus.GaugeVec
	cacheRequests *prometheus.CounterVec
	uploadLatency prometheus.Histogram
	uploadsInFlight prometheus.Gauge
	evictions     *prometheus.CounterVec
	diskHealth    *prometheus.GaugeVec

	server *http.Server
}

// NewCollector builds and registers every metric. If cfg.Enabled is false,
// the returned Collector's methods are all no-ops.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if !cfg.Enabled {
		return &Collector{config: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:   cfg,
		registry: registry,
		stageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockcache", Name: "stage_bytes", Help: "Current stage/ tree size per disk.",
		}, []string{"disk"}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockcache", Name: "cache_bytes", Help: "Current cache/ tree size per disk.",
		}, []string{"disk"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcache", Name: "cache_requests_total", Help: "Cache lookups by outcome.",
		}, []string{"outcome"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockcache", Name: "upload_latency_seconds", Help: "Time from upload submission to object-store PUT success.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		uploadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockcache", Name: "uploads_in_flight", Help: "Blocks currently in the uploading queue or being PUT.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcache", Name: "evictions_total", Help: "Cache evictions by reason.",
		}, []string{"reason"}),
		diskHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockcache", Name: "disk_health_state", Help: "0=normal, 1=unstable, 2=bad.",
		}, []string{"disk"}),
	}

	for _, m := range []prometheus.Collector{
		c.stageBytes, c.cacheBytes, c.cacheRequests, c.uploadLatency,
		c.uploadsInFlight, c.evictions, c.diskHealth,
	} {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}

	return c, nil
}

// Start launches the metrics HTTP server. A no-op if metrics are disabled.
func (c *Collector) Start(_ context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Every recorder below is safe to call on a nil *Collector, so production
// call sites never need to guard on whether metrics are configured at all —
// a component built without one (most unit tests) just gets a no-op.

// SetStageBytes records disk's current stage/ tree size.
func (c *Collector) SetStageBytes(disk string, n int64) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.stageBytes.WithLabelValues(disk).Set(float64(n))
}

// SetCacheBytes records disk's current cache/ tree size.
func (c *Collector) SetCacheBytes(disk string, n int64) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheBytes.WithLabelValues(disk).Set(float64(n))
}

// RecordCacheHit and RecordCacheMiss count Load outcomes.
func (c *Collector) RecordCacheHit() {
	if c != nil && c.config.Enabled {
		c.cacheRequests.WithLabelValues("hit").Inc()
	}
}

func (c *Collector) RecordCacheMiss() {
	if c != nil && c.config.Enabled {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// ObserveUploadLatency records the time from Submit to a successful PUT.
func (c *Collector) ObserveUploadLatency(d time.Duration) {
	if c != nil && c.config.Enabled {
		c.uploadLatency.Observe(d.Seconds())
	}
}

// SetUploadsInFlight records how many blocks are in the uploading queue or
// being PUT.
func (c *Collector) SetUploadsInFlight(n int) {
	if c != nil && c.config.Enabled {
		c.uploadsInFlight.Set(float64(n))
	}
}

// RecordEviction counts one cache eviction under reason ("capacity" or
// "expiry").
func (c *Collector) RecordEviction(reason string) {
	if c != nil && c.config.Enabled {
		c.evictions.WithLabelValues(reason).Inc()
	}
}

// SetDiskHealth records disk's health state as 0 (normal), 1 (unstable), or
// 2 (bad).
func (c *Collector) SetDiskHealth(disk string, state int) {
	if c != nil && c.config.Enabled {
		c.diskHealth.WithLabelValues(disk).Set(float64(state))
	}
}

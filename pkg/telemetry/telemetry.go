// Package telemetry wires the sealedfs metrics pipeline end to end: an
// OpenTelemetry meter backed by a Prometheus exporter on a private
// registry, the directory-engine instruments registered on that meter,
// and the HTTP endpoint the registry is scraped through. Directories get
// their counters from here; there is no tracing surface because the
// engine performs no traced work.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	btreedir "github.com/sealedfs/sealedfs/core/directory/btree_dir"
)

// Config holds the configuration of the metrics pipeline.
type Config struct {
	// Enabled toggles metrics collection and the scrape endpoint.
	Enabled bool `yaml:"enabled"`
	// ListenAddr is the address of the /metrics endpoint,
	// e.g. "127.0.0.1:9464".
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultListenAddr is used when Enabled is set without an address.
const DefaultListenAddr = "127.0.0.1:9464"

// Telemetry bundles the live metrics components handed to the rest of
// the filesystem.
type Telemetry struct {
	// Meter is the meter additional components may register their own
	// instruments on.
	Meter metric.Meter
	// Directory carries the directory-engine instruments; every mounted
	// directory shares this one set.
	Directory *btreedir.Metrics

	provider *sdkmetric.MeterProvider
	server   *http.Server
	logger   *zap.Logger
}

// New builds the metrics pipeline. With metrics disabled it still
// returns usable no-op instruments, so callers never branch on the
// config themselves.
func New(config Config, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		meter := noop.NewMeterProvider().Meter("sealedfs")
		directory, err := btreedir.NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("failed to build no-op directory metrics: %w", err)
		}
		return &Telemetry{Meter: meter, Directory: directory, logger: logger}, nil
	}

	// A private registry keeps sealedfs metrics apart from anything else
	// living in the process, and lets tests stand up several pipelines.
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("sealedfs")

	directory, err := btreedir.NewMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to register directory metrics: %w", err)
	}

	addr := config.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("metrics endpoint listening", zap.String("addr", addr))

	return &Telemetry{
		Meter:     meter,
		Directory: directory,
		provider:  provider,
		server:    server,
		logger:    logger,
	}, nil
}

// Shutdown stops the scrape endpoint and flushes the meter provider.
// Safe to call on a disabled pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics endpoint: %w", err)
		}
	}
	if t.provider != nil {
		if err := t.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}

// Package telemetry wires OpenTelemetry tracing and the Prometheus metrics
// endpoint for the harness.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	// ServiceName is reported as the trace resource service name
	ServiceName string

	// ServiceVersion is reported as the trace resource service version
	ServiceVersion string

	// MetricsAddr is the listen address of the /metrics endpoint.
	// Empty disables the metrics HTTP server.
	MetricsAddr string

	// Gatherers are served on /metrics
	Gatherers prometheus.Gatherers

	// EnableTracing enables OpenTelemetry tracing to the stdout exporter
	EnableTracing bool

	// TraceWriter receives exported spans; nil means stdout
	TraceWriter io.Writer
}

// Manager owns the tracer provider and metrics server
type Manager struct {
	config         Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	metricsAddr    string
	shutdownOnce   sync.Once
}

// NewManager creates a telemetry manager
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.ServiceName == "" {
		config.ServiceName = "gonolith-harness"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: config,
		logger: logger.With("component", "telemetry"),
	}
}

// Initialize sets up tracing and the metrics server as configured
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Info("OpenTelemetry tracing initialized", "service_name", m.config.ServiceName)
	}

	if m.config.MetricsAddr != "" {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		m.logger.Info("metrics server started", "endpoint", fmt.Sprintf("http://%s/metrics", m.metricsAddr))
	}

	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if m.config.TraceWriter != nil {
		opts = append(opts, stdouttrace.WithWriter(m.config.TraceWriter))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)

	return nil
}

// Tracer returns a named tracer. Without tracing enabled it is a no-op tracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	if m.tracerProvider != nil {
		return m.tracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}

// MetricsAddr returns the bound metrics address, empty when disabled
func (m *Manager) MetricsAddr() string {
	return m.metricsAddr
}

func (m *Manager) startMetricsServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	gatherers := m.config.Gatherers
	if len(gatherers) == 0 {
		gatherers = prometheus.Gatherers{prometheus.DefaultGatherer}
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", m.config.MetricsAddr)
	if err != nil {
		return err
	}
	m.metricsAddr = listener.Addr().String()

	m.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := m.metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server and flushes pending spans
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown metrics server", "error", err)
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown tracer provider", "error", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
				}
			}
		}
	})

	return shutdownErr
}

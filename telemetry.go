package xacoord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"
)

const (
	otlpGRPCPort      = "4317"
	otlpHTTPPort      = "4318"
	otlpExportTimeout = 10 * time.Second
)

// telemetryConfig selects the observability surfaces a process exposes.
type telemetryConfig struct {
	ServiceName            string
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

func (c telemetryConfig) enabled() bool {
	for _, v := range []string{c.OTLPEndpoint, c.MetricsListen, c.PprofListen} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return c.EnableProfilingMetrics
}

// telemetryBundle owns everything setupTelemetry started. Components stop in
// reverse start order.
type telemetryBundle struct {
	logger      pslog.Logger
	metricsAddr net.Addr
	stops       []telemetryStop
}

type telemetryStop struct {
	name string
	fn   func(context.Context) error
}

func (t *telemetryBundle) onShutdown(name string, fn func(context.Context) error) {
	t.stops = append(t.stops, telemetryStop{name: name, fn: fn})
}

// MetricsAddr returns the bound metrics listener address, if any.
func (t *telemetryBundle) MetricsAddr() net.Addr {
	if t == nil {
		return nil
	}
	return t.metricsAddr
}

// Shutdown flushes exporters and stops the auxiliary listeners.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.stops) - 1; i >= 0; i-- {
		stop := t.stops[i]
		if err := stop.fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failure", "component", stop.name, "error", err)
			errs = append(errs, fmt.Errorf("%s shutdown: %w", stop.name, err))
		}
	}
	t.stops = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

// setupTelemetry starts tracing, metrics and pprof as configured. It returns
// a nil bundle when nothing is enabled.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (_ *telemetryBundle, err error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.EnableProfilingMetrics && strings.TrimSpace(cfg.MetricsListen) == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "xacoord"
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	bundle := &telemetryBundle{logger: logger}
	defer func() {
		if err == nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bundle.Shutdown(stopCtx)
	}()

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		if err := bundle.startTracing(ctx, endpoint, res); err != nil {
			return nil, err
		}
	}
	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		if err := bundle.startMetrics(listen, cfg.EnableProfilingMetrics, res); err != nil {
			return nil, err
		}
	}
	if listen := strings.TrimSpace(cfg.PprofListen); listen != "" {
		if err := bundle.startPprof(listen); err != nil {
			return nil, err
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		// The grpc exporter reports every reconnect attempt.
		if strings.Contains(err.Error(), "waiting for connections to become ready") {
			logger.Debug("telemetry.exporter.retry", "error", err)
			return
		}
		logger.Warn("telemetry.exporter.error", "error", err)
	}))
	return bundle, nil
}

func (t *telemetryBundle) startTracing(ctx context.Context, endpoint string, res *resource.Resource) error {
	target, err := resolveOTLPTarget(endpoint)
	if err != nil {
		return err
	}
	exporter, err := target.exporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.onShutdown("trace", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"path", target.path,
		"insecure", target.insecure,
	)
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func (t *telemetryBundle) startMetrics(listen string, runtimeMetrics bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(exporterOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	t.onShutdown("metric", provider.Shutdown)
	if runtimeMetrics {
		// otelruntime registers global instruments; starting it twice errors.
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
		})
		if runtimeMetricsErr != nil {
			return fmt.Errorf("profiling: runtime metrics: %w", runtimeMetricsErr)
		}
		t.logger.Info("profiling.metrics.enabled")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr, err := t.serve("metrics server", listen, mux)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	t.metricsAddr = addr
	t.logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	return nil
}

func (t *telemetryBundle) startPprof(listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	addr, err := t.serve("pprof server", listen, mux)
	if err != nil {
		return fmt.Errorf("profiling: pprof listen: %w", err)
	}
	t.logger.Info("profiling.pprof.enabled", "listen", addr.String())
	return nil
}

// serve runs handler on a dedicated listener and registers its shutdown.
func (t *telemetryBundle) serve(name, listen string, handler http.Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve.failure", "component", name, "error", err)
		}
	}()
	t.onShutdown(name, srv.Shutdown)
	return ln.Addr(), nil
}

// otlpTarget is a parsed OTLP collector endpoint.
type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func (o otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch o.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
		}
		if o.insecure {
			creds = insecure.NewCredentials()
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(o.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if o.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if o.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(o.path))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("telemetry: unsupported protocol %q", o.protocol)
}

// otlpSchemes maps endpoint URL schemes to protocol, default port and
// whether the connection skips TLS.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", endpoint: otlpGRPCPort, insecure: true},
	"grpcs": {protocol: "grpc", endpoint: otlpGRPCPort},
	"http":  {protocol: "http", endpoint: otlpHTTPPort, insecure: true},
	"https": {protocol: "http", endpoint: otlpHTTPPort},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host[:port] means
// plaintext gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := scheme
	target.endpoint = u.Host
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), scheme.endpoint)
	}
	target.path = strings.TrimSuffix(u.Path, "/")
	return target, nil
}

// Package telemetry wires OpenTelemetry metrics and log export for the
// messaging core. Until Setup installs providers, every instrument records
// into the global no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/unicitylabs/spheremsg"

// Config selects whether and where telemetry is exported.
type Config struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP/HTTP collector
	Insecure    bool
	ServiceName string
}

// Setup installs OTLP/HTTP meter and logger providers. The returned
// shutdown flushes and stops both; it is a no-op when telemetry is disabled.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "spheremsg"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	metricOpts := []otlpmetrichttp.Option{}
	logOpts := []otlploghttp.Option{}
	if cfg.Endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		logOpts = append(logOpts, otlploghttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return noop, fmt.Errorf("creating metric exporter: %w", err)
	}
	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = metricExp.Shutdown(ctx)
		return noop, fmt.Errorf("creating log exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	log.Printf("[telemetry] exporting to %s", endpointLabel(cfg.Endpoint))

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), lp.Shutdown(ctx))
	}, nil
}

func endpointLabel(ep string) string {
	if ep == "" {
		return "default OTLP endpoint"
	}
	return ep
}

// --- Instruments ---

type instruments struct {
	reconnects      metric.Int64Counter
	malformedFrames metric.Int64Counter
	publishQueued   metric.Int64Counter
	unwrapRejected  metric.Int64Counter
	received        metric.Int64Counter
	sent            metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func get() *instruments {
	instOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		inst.reconnects = counter(m, "relay.reconnects", "Reconnect attempts scheduled after unexpected disconnects")
		inst.malformedFrames = counter(m, "relay.frames.malformed", "Inbound relay frames that could not be parsed")
		inst.publishQueued = counter(m, "relay.publish.queued", "Events queued while the relay was disconnected")
		inst.unwrapRejected = counter(m, "dm.unwrap.rejected", "Gift wraps dropped during validation")
		inst.received = counter(m, "dm.messages.received", "Private messages unwrapped")
		inst.sent = counter(m, "dm.messages.sent", "Private messages published")
	})
	return &inst
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Printf("[telemetry] creating counter %s: %v", name, err)
	}
	return c
}

func add(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, opts...)
}

// Reconnect counts a scheduled reconnect.
func Reconnect(ctx context.Context) { add(ctx, get().reconnects) }

// MalformedFrame counts an inbound frame that failed to parse.
func MalformedFrame(ctx context.Context) { add(ctx, get().malformedFrames) }

// PublishQueued counts a publish deferred until the next connect.
func PublishQueued(ctx context.Context) { add(ctx, get().publishQueued) }

// UnwrapRejected counts a gift wrap dropped for the given reason.
func UnwrapRejected(ctx context.Context, reason string) {
	add(ctx, get().unwrapRejected, metric.WithAttributes(attribute.String("reason", reason)))
}

// MessageReceived counts a successfully unwrapped message.
func MessageReceived(ctx context.Context) { add(ctx, get().received) }

// MessageSent counts a published message.
func MessageSent(ctx context.Context) { add(ctx, get().sent) }

// --- Log records ---

// Severity levels accepted by Event.
const (
	SeverityInfo  = otellog.SeverityInfo
	SeverityWarn  = otellog.SeverityWarn
	SeverityError = otellog.SeverityError
)

// Event emits a structured log record through the global logger provider.
// Key/value pairs are string attributes.
func Event(ctx context.Context, severity otellog.Severity, msg string, kv ...string) {
	logger := global.GetLoggerProvider().Logger(instrumentationName)

	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(severity)
	rec.SetBody(otellog.StringValue(msg))
	for i := 0; i+1 < len(kv); i += 2 {
		rec.AddAttributes(otellog.String(kv[i], kv[i+1]))
	}
	logger.Emit(ctx, rec)
}

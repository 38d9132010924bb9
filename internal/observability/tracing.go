package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/escalate/internal/config"
)

const tracerName = "github.com/pitabwire/escalate"

// Span attribute keys for engine operations.
var (
	AttrWorkflowID         = attribute.Key("escalate.workflow_id")
	AttrWorkflowInstanceID = attribute.Key("escalate.workflow_instance_id")
	AttrStepInstanceID     = attribute.Key("escalate.step_instance_id")
	AttrRuleID             = attribute.Key("escalate.rule_id")
	AttrEscalationID       = attribute.Key("escalate.escalation_id")
	AttrEscalationLevel    = attribute.Key("escalate.escalation_level")
	AttrConditionGroupID   = attribute.Key("escalate.condition_group_id")
	AttrCandidates         = attribute.Key("escalate.candidates")
	AttrOutcome            = attribute.Key("escalate.outcome")

	AttrScanCreated  = attribute.Key("escalate.scan.created")
	AttrScanAdvanced = attribute.Key("escalate.scan.advanced")
	AttrScanResolved = attribute.Key("escalate.scan.resolved")
	AttrScanFailed   = attribute.Key("escalate.scan.failed")
)

// defaultSamplingRate applies when the configured rate is not positive.
const defaultSamplingRate = 0.1

// InitTracing installs a global TracerProvider and W3C propagators. The
// returned shutdown flushes pending spans. With tracing disabled nothing is
// installed and shutdown is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
}

// newSampler honours the caller's sampling decision and samples new root
// traces at the configured ratio.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplingRate))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the engine tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AnnotateScan attaches the outcome counts of an escalation scan to span.
func AnnotateScan(span trace.Span, created, advanced, resolved, failed int) {
	span.SetAttributes(
		AttrScanCreated.Int(created),
		AttrScanAdvanced.Int(advanced),
		AttrScanResolved.Int(resolved),
		AttrScanFailed.Int(failed),
	)
}

// TraceIDFromContext returns the trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any W3C
// traceparent from the caller, and writes the trace context into the
// response headers. Once the router has matched, the span is renamed to
// the route pattern.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sr := NewStatusRecorder(w)
		r = r.WithContext(ctx)

		next.ServeHTTP(sr, r)

		route := RoutePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(sr.Status()),
		)
		if sr.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sr.Status()))
		}
	})
}

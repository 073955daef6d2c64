package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

const serviceName = "chatengine"

// Setup installs the process-wide TracerProvider for the engine and returns
// its shutdown function. Tracing off, or the "noop" exporter, installs a
// noop provider. The "file" exporter appends JSON spans to cfg.Endpoint so
// they stay out of the chat output on stdout.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	exporter, sink, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), sink.Close())
	}, nil
}

// newExporter returns a nil exporter when tracing should be a noop. The
// closer releases whatever the exporter writes to.
func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Exporter {
	case "noop", "":
		return nil, nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nopCloser{}, nil
	case "file":
		if cfg.Endpoint == "" {
			return nil, nil, errors.New("file exporter needs tracer.endpoint")
		}
		f, err := os.OpenFile(cfg.Endpoint, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("create file exporter: %w", err)
		}
		return exp, f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StartSpan opens an engine span. Conversation and run ids found on ctx
// become span attributes, so every span of a cycle can be filtered by them.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if id := domain.ConversationIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("conversation.id", id))
	}
	if id := domain.RunIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("run.id", id))
	}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return otel.Tracer(serviceName).Start(ctx, name, opts...)
}

// RecordError marks the span failed with err and its error code
// (PROVIDER_ERROR, RATE_LIMIT, ...).
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", string(domain.ErrorCodeOf(err))))
	span.SetStatus(codes.Error, err.Error())
}

func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// StringAttr and IntAttr keep callers off the attribute package.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

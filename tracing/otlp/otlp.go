// Package otlp exports traces over OTLP/HTTP to any compatible collector.
package otlp

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"

	"github.com/pure-golang/bulkmail/tracing"
)

var _ tracing.Provider = (*Provider)(nil)

type Config struct {
	EndPoint    string  `envconfig:"TRACING_ENDPOINT"`
	ServiceName string  `envconfig:"SERVICE_NAME" default:"bulkmail"`
	AppVersion  string  `envconfig:"APP_VERSION" default:"dev"`
	SampleRatio float64 `envconfig:"TRACING_SAMPLE_RATIO" default:"1"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return c.EndPoint != "" }

// Provider extends tracesdk.TracerProvider with Close.
type Provider struct {
	*tracesdk.TracerProvider
}

// Close flushes pending spans and shuts the provider down.
func (p *Provider) Close() error {
	ctx := context.Background()
	if err := p.ForceFlush(ctx); err != nil {
		if shutdownErr := p.Shutdown(ctx); shutdownErr != nil {
			return errors.Wrap(err, "otlp force flush failed (also shutdown failed)")
		}
		return errors.Wrap(err, "otlp force flush failed")
	}

	return errors.Wrap(p.Shutdown(ctx), "shutdown otlp")
}

func NewProviderBuilder(conf Config) tracing.ProviderBuilder {
	return func() (tracing.Provider, error) {
		if conf.EndPoint == "" {
			return nil, errors.New("empty connection string")
		}
		if conf.ServiceName == "" {
			return nil, errors.New("service name is empty")
		}

		exp, err := otlptrace.New(
			context.Background(),
			otlptracehttp.NewClient(
				otlptracehttp.WithEndpointURL(conf.EndPoint),
			),
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create otlp exporter")
		}

		sampler := tracesdk.AlwaysSample()
		if conf.SampleRatio > 0 && conf.SampleRatio < 1 {
			sampler = tracesdk.ParentBased(tracesdk.TraceIDRatioBased(conf.SampleRatio))
		}

		tp := tracesdk.NewTracerProvider(
			tracesdk.WithBatcher(exp),
			tracesdk.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(conf.ServiceName),
				semconv.ServiceVersionKey.String(conf.AppVersion),
			)),
			tracesdk.WithSampler(sampler),
		)

		return &Provider{TracerProvider: tp}, nil
	}
}

// Package tracing installs the global OpenTelemetry tracer provider.
package tracing

import (
	"io"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Provider interface {
	trace.TracerProvider
	io.Closer
}

// ProviderBuilder wrap all realization details of constructor (ex. config struct)
type ProviderBuilder func() (Provider, error)

// Init builds a provider and sets it global. When the builder fails, a noop
// provider is returned together with the error so callers may keep running
// without traces.
func Init(creator ProviderBuilder) (Provider, error) {
	provider, err := creator()
	if err != nil || provider == nil {
		if err == nil {
			err = errors.New("provider builder returned nil")
		}
		return NoopProvider{}, errors.Wrap(err, "failed to load tracing provider")
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider, nil
}

// NoopProvider records nothing.
type NoopProvider struct{ noop.TracerProvider }

func (NoopProvider) Close() error { return nil }

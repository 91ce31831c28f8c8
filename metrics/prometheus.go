package metrics

import (
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

var (
	initOnce sync.Once
	initErr  error
)

// InitPrometheus installs an OpenTelemetry meter provider backed by the default
// Prometheus registry and starts runtime metrics. Repeated calls are no-ops.
func InitPrometheus() error {
	initOnce.Do(func() {
		exporter, err := prometheus.New()
		if err != nil {
			initErr = errors.Wrap(err, "failed to create prometheus instance")
			return
		}
		otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))

		if err := runtime.Start(); err != nil {
			initErr = errors.Wrap(err, "failed to start runtime")
		}
	})
	return initErr
}

package export

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric/controller/basic"
	basicprocessor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	"go.opentelemetry.io/otel/sdk/metric/selector/simple"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv"
	ctrl "sigs.k8s.io/controller-runtime"
)

var log = ctrl.Log.WithName("telemetry").WithName("export")

// InstallOTLPExporter installs an opentelemetry exporter for an OTLP
// collector with the given service name, covering both traces and metrics.
// The returned TracerShutdown flushes and stops the exporter. Setting
// PEPR_DISABLE_TRACING=true turns the installation into a no-op.
func InstallOTLPExporter(serviceName string, expOpts ...otlp.ExporterOption) (TracerShutdown, error) {
	if getEnvAsBool(envDisableTracing, false) {
		return func() {}, nil
	}

	ctx := context.Background()

	exp, err := otlp.NewExporter(ctx, otlpgrpc.NewDriver(), expOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create OTLP exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telemetry resource")
	}

	bsp := sdktrace.NewBatchSpanProcessor(exp)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	pusher := basic.New(
		basicprocessor.New(
			simple.NewWithExactDistribution(),
			exp,
		),
		basic.WithExporter(exp),
		basic.WithCollectPeriod(2*time.Second),
	)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetTracerProvider(tracerProvider)

	if err := pusher.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to start metric controller")
	}

	return func() {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Error(err, "failed to stop trace provider")
		}

		if err := pusher.Stop(ctx); err != nil {
			log.Error(err, "failed to stop metric controller")
		}
		if err := exp.Shutdown(ctx); err != nil {
			log.Error(err, "failed to stop trace exporter")
		}
	}, nil
}

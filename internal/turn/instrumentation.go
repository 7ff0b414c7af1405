package turn

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/mia-core/internal/turn"

var tracer = otel.Tracer(scopeName)

type instruments struct {
	started       metric.Int64Counter
	rejected      metric.Int64Counter
	finished      metric.Int64Counter
	silence       metric.Int64Counter
	ackTimeouts   metric.Int64Counter
	synthFailures metric.Int64Counter
	duration      metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var errs []error
	track := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	inst := &instruments{}
	var err error
	inst.started, err = meter.Int64Counter("mia.turns.started",
		metric.WithDescription("Turns accepted by the orchestrator"))
	track(err)
	inst.rejected, err = meter.Int64Counter("mia.turns.rejected",
		metric.WithDescription("Triggers rejected because a turn was already running"))
	track(err)
	inst.finished, err = meter.Int64Counter("mia.turns.finished",
		metric.WithDescription("Turns that reached a terminal status"))
	track(err)
	inst.silence, err = meter.Int64Counter("mia.turns.silence",
		metric.WithDescription("Audio turns dropped because the transcript was too short"))
	track(err)
	inst.ackTimeouts, err = meter.Int64Counter("mia.turns.ack_timeout",
		metric.WithDescription("Turns that ended without a playback acknowledgement"))
	track(err)
	inst.synthFailures, err = meter.Int64Counter("mia.synthesis.failures",
		metric.WithDescription("Reply segments whose synthesis failed"))
	track(err)
	inst.duration, err = meter.Float64Histogram("mia.turns.duration",
		metric.WithDescription("Wall time from accept to terminal status"),
		metric.WithUnit("s"))
	track(err)

	return inst, errors.Join(errs...)
}

func (i *instruments) turnFinished(ctx context.Context, t *Turn) {
	attrs := metric.WithAttributes(attribute.String("status", string(t.Status)))
	i.finished.Add(ctx, 1, attrs)
	i.duration.Record(ctx, t.EndedAt.Sub(t.StartedAt).Seconds(), attrs)
}

// registerGauges exposes live counts sampled at collection time.
func registerGauges(meter metric.Meter, activeTurns, waiters func() int) error {
	active, err := meter.Int64ObservableGauge("mia.turns.active",
		metric.WithDescription("Turns currently running"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("mia.rendezvous.waiters",
		metric.WithDescription("Pending rendezvous waits"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, int64(activeTurns()))
		if waiters != nil {
			o.ObserveInt64(pending, int64(waiters()))
		}
		return nil
	}, active, pending)
	return err
}

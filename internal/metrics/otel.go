package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

const (
	attrIface = "iface"
	attrOp    = "op"
)

// OTelOptions configures NewOTel.
type OTelOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ rc.MetricHook = (*OTel)(nil)

// OTel implements rc.MetricHook using OpenTelemetry counters.
type OTel struct {
	rxPosted    metric.Int64Counter
	rxCompleted metric.Int64Counter
	txCompleted metric.Int64Counter
	sends       metric.Int64Counter
	fatal       metric.Int64Counter
}

// NewOTel constructs a hook that emits OpenTelemetry counter measurements.
func NewOTel(opts OTelOptions) (*OTel, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}

		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/piwi3910/rcverbs/internal/transport/rc"
		}

		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTel{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.rxPosted, "rcverbs.rx.posted", "Receive buffers posted"},
		{&o.rxCompleted, "rcverbs.rx.completed", "Receive completions handled"},
		{&o.txCompleted, "rcverbs.tx.completed", "Send completions handled"},
		{&o.sends, "rcverbs.sends", "Sends posted"},
		{&o.fatal, "rcverbs.fatal_errors", "Fatal transport errors"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}

		*c.dst = counter
	}

	return o, nil
}

func (o *OTel) RxPosted(iface string, n int) {
	o.rxPosted.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String(attrIface, iface)))
}

func (o *OTel) RxCompleted(iface string, n int) {
	o.rxCompleted.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String(attrIface, iface)))
}

func (o *OTel) TxCompleted(iface string, n int) {
	o.txCompleted.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String(attrIface, iface)))
}

func (o *OTel) SendPosted(iface, op string) {
	o.sends.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrIface, iface), attribute.String(attrOp, op)))
}

func (o *OTel) Fatal(iface, op string) {
	o.fatal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrIface, iface), attribute.String(attrOp, op)))
}

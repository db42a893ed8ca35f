package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Constructor errors.
var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() magiclink.MetricsSnapshot
	AuditDropped() uint64
}

type familyMember struct {
	id   magiclink.MetricID
	opts []metric.ObserveOption
}

type observedFamily struct {
	instrument metric.Int64ObservableCounter
	members    []familyMember
}

type observedHistogram struct {
	id      magiclink.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes engine metrics as observable instruments on a
// caller-owned meter.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	families     []observedFamily
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter observes engine on every collection.
func NewOTelExporter(meter metric.Meter, engine *magiclink.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource observes any snapshot source. Labeled counter
// families become one instrument with an attribute per member; histogram
// buckets become one gauge keyed by an "le" attribute.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	families := internaldefs.CounterFamilies()
	exporter := &OTelExporter{
		source:     source,
		families:   make([]observedFamily, 0, len(families)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	observables := make([]metric.Observable, 0, len(families)+len(internaldefs.HistogramDefs)*2+1)

	for _, fam := range families {
		ins, err := meter.Int64ObservableCounter(fam.Name, metric.WithDescription(fam.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", fam.Name, err)
		}
		of := observedFamily{instrument: ins}
		for _, m := range fam.Members {
			var opts []metric.ObserveOption
			if m.Label != "" {
				opts = append(opts, metric.WithAttributes(attribute.String(m.Label, m.Value)))
			}
			of.members = append(of.members, familyMember{id: m.ID, opts: opts})
		}
		exporter.families = append(exporter.families, of)
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		bucketName := def.Name + "_bucket"
		buckets, err := meter.Int64ObservableGauge(bucketName, metric.WithDescription("Cumulative histogram bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", bucketName, err)
		}
		countName := def.Name + "_count"
		count, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		exporter.histograms = append(exporter.histograms, observedHistogram{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"magiclink_audit_dropped_total",
		metric.WithDescription("Audit events dropped on a full dispatcher buffer."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, fam := range e.families {
		for _, m := range fam.members {
			observer.ObserveInt64(fam.instrument, int64(snapshot.Counters[m.id]), m.opts...)
		}
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i, le := range internaldefs.HistogramBounds {
			observer.ObserveInt64(h.buckets, int64(cumulative[i]), metric.WithAttributes(attribute.String("le", le)))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}

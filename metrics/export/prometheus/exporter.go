package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() magiclink.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from engine on every scrape.
func NewPrometheusExporter(engine *magiclink.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render as text/plain.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics. Disabled metrics render as "".
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(8192)

	for _, fam := range internaldefs.CounterFamilies() {
		writeHeader(&b, fam.Name, fam.Help, "counter")
		for _, m := range fam.Members {
			writeSample(&b, fam.Name, m.Label, m.Value, snapshot.Counters[m.ID])
		}
	}

	for _, def := range internaldefs.HistogramDefs {
		nonCumulative := internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID])
		cumulative := internaldefs.CumulativeBuckets(nonCumulative)
		writeHistogram(&b, def.Name, def.Help, cumulative)
	}

	writeHeader(&b, "magiclink_audit_dropped_total", "Audit events dropped on a full dispatcher buffer.", "counter")
	writeSample(&b, "magiclink_audit_dropped_total", "", "", dropped)

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

// writeSample writes name{label="value"} n, or name n when label is empty.
func writeSample(b *strings.Builder, name, label, value string, n uint64) {
	b.WriteString(name)
	if label != "" {
		b.WriteByte('{')
		b.WriteString(label)
		b.WriteString("=\"")
		b.WriteString(value)
		b.WriteString("\"}")
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	writeHeader(b, name, help, "histogram")
	bucket := name + "_bucket"
	for i, le := range internaldefs.HistogramBounds {
		writeSample(b, bucket, "le", le, cumulative[i])
	}
	writeSample(b, name+"_count", "", "", cumulative[len(cumulative)-1])
	// snapshots carry no sum
	writeSample(b, name+"_sum", "", "", 0)
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}

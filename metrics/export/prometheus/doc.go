// Package prometheus renders magiclink engine metrics in Prometheus text
// exposition format.
//
// [NewPrometheusExporter] exposes an [http.Handler] to mount on /metrics.
// Related counters share a family, e.g. magiclink_verify_total{outcome="..."};
// verify latency is magiclink_verify_latency_seconds. Nothing is registered
// globally.
package prometheus

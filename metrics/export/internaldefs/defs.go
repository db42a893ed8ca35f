package internaldefs

import (
	"github.com/MrEthical07/magiclink"
)

// CounterDef maps one engine counter onto a sample of a metric family.
// Counters sharing Name form one family told apart by Label=Value.
type CounterDef struct {
	ID    magiclink.MetricID
	Name  string
	Help  string
	Label string
	Value string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   magiclink.MetricID
	Name string
	Help string
}

const (
	sendHelp     = "Send requests by outcome."
	deliveryHelp = "Delivery attempts by result."
	verifyHelp   = "Verify requests by outcome."
	rejectHelp   = "Rejected redemptions by reason."
	usersHelp    = "Accounts resolved on redemption by action."
)

// CounterDefs lists every exported counter in render order. Members of a
// family are adjacent.
var CounterDefs = []CounterDef{
	{ID: magiclink.MetricSendAccepted, Name: "magiclink_send_total", Help: sendHelp, Label: "outcome", Value: "accepted"},
	{ID: magiclink.MetricSendPreconditionFailed, Name: "magiclink_send_total", Help: sendHelp, Label: "outcome", Value: "precondition_failed"},
	{ID: magiclink.MetricSendRateLimited, Name: "magiclink_send_total", Help: sendHelp, Label: "outcome", Value: "rate_limited"},
	{ID: magiclink.MetricTokenIssued, Name: "magiclink_tokens_issued_total", Help: "Persisted magic-link tokens."},
	{ID: magiclink.MetricDeliverySuccess, Name: "magiclink_delivery_total", Help: deliveryHelp, Label: "result", Value: "success"},
	{ID: magiclink.MetricDeliveryFailure, Name: "magiclink_delivery_total", Help: deliveryHelp, Label: "result", Value: "failure"},
	{ID: magiclink.MetricVerifySuccess, Name: "magiclink_verify_total", Help: verifyHelp, Label: "outcome", Value: "success"},
	{ID: magiclink.MetricVerifyFailure, Name: "magiclink_verify_total", Help: verifyHelp, Label: "outcome", Value: "failure"},
	{ID: magiclink.MetricVerifyRateLimited, Name: "magiclink_verify_total", Help: verifyHelp, Label: "outcome", Value: "rate_limited"},
	{ID: magiclink.MetricTokenInvalid, Name: "magiclink_token_rejections_total", Help: rejectHelp, Label: "reason", Value: "invalid"},
	{ID: magiclink.MetricTokenExpired, Name: "magiclink_token_rejections_total", Help: rejectHelp, Label: "reason", Value: "expired"},
	{ID: magiclink.MetricTokenReplay, Name: "magiclink_token_rejections_total", Help: rejectHelp, Label: "reason", Value: "replay"},
	{ID: magiclink.MetricUserCreated, Name: "magiclink_users_total", Help: usersHelp, Label: "action", Value: "created"},
	{ID: magiclink.MetricUserLoaded, Name: "magiclink_users_total", Help: usersHelp, Label: "action", Value: "loaded"},
	{ID: magiclink.MetricUserSelfHeal, Name: "magiclink_users_total", Help: usersHelp, Label: "action", Value: "self_heal"},
	{ID: magiclink.MetricSessionMinted, Name: "magiclink_sessions_minted_total", Help: "Minted session credentials."},
	{ID: magiclink.MetricRateLimitHit, Name: "magiclink_rate_limit_hits_total", Help: "Rate-limit checks that denied a request."},
	{ID: magiclink.MetricStoreError, Name: "magiclink_store_errors_total", Help: "Token store and user store failures."},
	{ID: magiclink.MetricTokensPurged, Name: "magiclink_tokens_purged_total", Help: "Token records removed by the sweeper."},
}

// Family is a run of CounterDefs sharing one metric name.
type Family struct {
	Name    string
	Help    string
	Members []CounterDef
}

// CounterFamilies groups CounterDefs by name, keeping order.
func CounterFamilies() []Family {
	var out []Family
	for _, def := range CounterDefs {
		if n := len(out); n > 0 && out[n-1].Name == def.Name {
			out[n-1].Members = append(out[n-1].Members, def)
			continue
		}
		out = append(out, Family{Name: def.Name, Help: def.Help, Members: []CounterDef{def}})
	}
	return out
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: magiclink.MetricVerifyLatency, Name: "magiclink_verify_latency_seconds", Help: "Verify latency histogram."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's
// latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable in metric names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

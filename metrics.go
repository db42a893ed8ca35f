package magiclink

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricSendAccepted counts send requests that issued a token.
	MetricSendAccepted MetricID = iota
	// MetricSendPreconditionFailed counts sends rejected by the purpose precondition.
	MetricSendPreconditionFailed
	// MetricSendRateLimited counts sends rejected by the send budget.
	MetricSendRateLimited
	// MetricTokenIssued counts persisted token records.
	MetricTokenIssued
	// MetricDeliverySuccess counts links handed to the deliverer.
	MetricDeliverySuccess
	// MetricDeliveryFailure counts links the deliverer failed to send.
	MetricDeliveryFailure
	// MetricVerifySuccess counts redemptions that produced a session.
	MetricVerifySuccess
	// MetricVerifyFailure counts failed verify requests of any cause.
	MetricVerifyFailure
	// MetricVerifyRateLimited counts verifies rejected by the verify budget.
	MetricVerifyRateLimited
	// MetricTokenInvalid counts unknown or mismatched tokens.
	MetricTokenInvalid
	// MetricTokenExpired counts redemptions attempted after expiry.
	MetricTokenExpired
	// MetricTokenReplay counts redemptions of an already used token.
	MetricTokenReplay
	// MetricUserCreated counts accounts created by REGISTRATION redemptions.
	MetricUserCreated
	// MetricUserLoaded counts accounts loaded by LOGIN redemptions.
	MetricUserLoaded
	// MetricUserSelfHeal counts LOGIN redemptions that had to create a missing account.
	MetricUserSelfHeal
	// MetricSessionMinted counts minted session credentials.
	MetricSessionMinted
	// MetricRateLimitHit counts every denied rate-limit check.
	MetricRateLimitHit
	// MetricStoreError counts token store and user store failures.
	MetricStoreError
	// MetricTokensPurged counts records removed by the sweeper.
	MetricTokensPurged
	// MetricVerifyLatency is the verify path latency histogram.
	MetricVerifyLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters. A nil or disabled *Metrics
// ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add increases counter id by n.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the histogram for id. Only MetricVerifyLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricVerifyLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricVerifyLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		s.Histograms[MetricVerifyLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}

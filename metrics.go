package trustkit

import (
	"sync/atomic"
	"time"
)

// MetricID indexes one in-process counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricTwoFactorReplay
	MetricRecoveryCodeUsed
	MetricRecoveryCodeFailed
	MetricSessionCreated
	MetricSessionRevoked
	MetricSessionEvicted
	MetricValidateCacheHit
	MetricValidateCacheFallback
	MetricTokenIssued
	MetricTokenRedeemed
	MetricTokenRejected
	MetricRateLimitHit
	MetricRateLimitBackendDown
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:          "login_success",
	MetricLoginFailure:          "login_failure",
	MetricLoginRateLimited:      "login_rate_limited",
	MetricTwoFactorRequired:     "twofactor_required",
	MetricTwoFactorSuccess:      "twofactor_success",
	MetricTwoFactorFailure:      "twofactor_failure",
	MetricTwoFactorReplay:       "twofactor_replay",
	MetricRecoveryCodeUsed:      "recovery_code_used",
	MetricRecoveryCodeFailed:    "recovery_code_failed",
	MetricSessionCreated:        "session_created",
	MetricSessionRevoked:        "session_revoked",
	MetricSessionEvicted:        "session_evicted",
	MetricValidateCacheHit:      "validate_cache_hit",
	MetricValidateCacheFallback: "validate_cache_fallback",
	MetricTokenIssued:           "token_issued",
	MetricTokenRedeemed:         "token_redeemed",
	MetricTokenRejected:         "token_rejected",
	MetricRateLimitHit:          "rate_limit_hit",
	MetricRateLimitBackendDown:  "rate_limit_backend_down",
	MetricValidateLatency:       "validate_latency",
}

// Name returns the stable snake_case identifier for exporters.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// ValidateLatencyBuckets are the histogram upper bounds in milliseconds,
// with the last bucket unbounded.
var ValidateLatencyBuckets = [histBucketCount]int64{5, 10, 25, 50, 100, 250, 500, 0}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the Core's lock-free counters. The zero value is disabled.
type Metrics struct {
	enabled    bool
	counters   [metricIDCount]paddedCounter
	histograms [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a session validation latency sample.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || id != MetricValidateLatency {
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
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	buckets := make([]uint64, histBucketCount)
	for i := 0; i < histBucketCount; i++ {
		buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
	}
	s.Histograms[MetricValidateLatency] = buckets

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

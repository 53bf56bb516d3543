package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "gateway",
		Name:      "requests_accepted_total",
		Help:      "Search requests admitted past all gateway checks.",
	})

	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "gateway",
		Name:      "requests_rejected_total",
		Help:      "Search requests rejected by the gateway, by reason.",
	}, []string{"reason"})

	rateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "gateway",
		Name:      "rate_limit_denials_total",
		Help:      "Rate limit denials by quota window.",
	}, []string{"window"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "gateway",
		Name:      "dispatch_duration_seconds",
		Help:      "Latency of index query plus record hydration for admitted requests.",
		Buckets:   prometheus.DefBuckets,
	})

	orphanHitsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "gateway",
		Name:      "orphan_hits_skipped_total",
		Help:      "Index hits dropped from responses because no solution record existed.",
	})
)

// Rejection reason label values.
const (
	reasonMissingIdentity   = "missing_identity"
	reasonInvalidCollection = "invalid_collection"
	reasonPayloadTooLarge   = "payload_too_large"
	reasonMaliciousInput    = "malicious_input"
	reasonRateLimited       = "rate_limited"
	reasonInvalidQuery      = "invalid_query"
)

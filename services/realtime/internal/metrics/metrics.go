package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codecollab_sessions_active",
			Help: "Currently connected realtime sessions",
		},
	)

	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_admissions_total",
			Help: "Connection admission attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Chat metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_messages_total",
			Help: "Chat entries persisted",
		},
		[]string{"author"}, // user, ai, system-error
	)

	Duplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecollab_duplicates_total",
			Help: "Inbound messages ignored because their id was already stored",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_store_errors_total",
			Help: "Message store failures",
		},
		[]string{"op"},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecollab_broadcast_drops_total",
			Help: "Sessions disconnected because their send queue was full",
		},
	)

	// AI metrics
	AIGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_ai_generations_total",
			Help: "AI generations by outcome",
		},
		[]string{"outcome"}, // success, failure, timeout
	)

	AIGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codecollab_ai_generation_seconds",
			Help:    "AI generation latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_rate_limit_hits_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"scope"}, // connect, message
	)
)

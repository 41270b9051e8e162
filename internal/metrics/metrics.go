// Package metrics exposes the Prometheus instrumentation for the lead
// ingestion and sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "ingests_total",
		Help:      "Webhook deliveries accepted, by source system and event type.",
	}, []string{"source", "event_type"})

	IngestRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "ingest_rejections_total",
		Help:      "Webhook deliveries rejected, by source system and reason.",
	}, []string{"source", "reason"})

	IdentityCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "identity_collisions_total",
		Help:      "Contact tuples whose email and phone matched different identities.",
	})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "token_refreshes_total",
		Help:      "OAuth2 token refresh attempts, by outcome.",
	}, []string{"outcome"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "sync_runs_total",
		Help:      "Reconcile runs, by direction and outcome.",
	}, []string{"direction", "outcome"})

	SyncConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadsync",
		Name:      "sync_conflicts_total",
		Help:      "Field conflicts resolved during bidirectional sync.",
	})

	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadsync",
		Name:      "sync_queue_depth",
		Help:      "Jobs currently waiting in the sync queue.",
	})

	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leadsync",
		Name:      "ingest_duration_seconds",
		Help:      "Wall time of the ingest pipeline per webhook delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
)

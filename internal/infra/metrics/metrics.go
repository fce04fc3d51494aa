// Package metrics provides Prometheus metrics for gamify.
// Counters cover spins, check-ins, quest transitions, optimistic-concurrency
// retries, alert dispatch, HTTP traffic, background jobs, and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Rewards ────────────────────────────────────────────────────────────────

// Spins tracks issued spins by rarity and whether pity forced the result.
var Spins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "spins_total",
	Help:      "Total spins issued.",
}, []string{"rarity", "pity"})

// SpinReplays tracks spins answered from a stored event.
var SpinReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "spin_replays_total",
	Help:      "Spins answered from an earlier request with the same id.",
})

// RewardsIssued tracks reward value credited by source and type.
var RewardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "rewards_issued_total",
	Help:      "Total reward value credited.",
}, []string{"source", "type"})

// ─── Streaks ────────────────────────────────────────────────────────────────

// CheckIns tracks check-ins by outcome (extended, frozen, reset, first, already).
var CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "checkins_total",
	Help:      "Total check-ins by outcome.",
}, []string{"outcome"})

// Milestones tracks milestone payouts by threshold.
var Milestones = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "milestones_total",
	Help:      "Total streak milestones paid.",
}, []string{"days"})

// FreezeTokensUsed tracks freeze tokens consumed, proactively or on a miss.
var FreezeTokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "freeze_tokens_used_total",
	Help:      "Total freeze tokens consumed.",
}, []string{"mode"})

// ─── Quests ─────────────────────────────────────────────────────────────────

// QuestTransitions tracks quest state changes by kind and target state.
var QuestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "quest_transitions_total",
	Help:      "Total quest state transitions.",
}, []string{"kind", "state"})

// QuestsArchived tracks quests moved to the archive table.
var QuestsArchived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "quests_archived_total",
	Help:      "Total quests archived after retention.",
})

// ─── Concurrency ────────────────────────────────────────────────────────────

// CASConflicts tracks version conflicts that triggered a retry.
var CASConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "cas_conflicts_total",
	Help:      "Total compare-and-swap conflicts by operation.",
}, []string{"op"})

// Contention tracks operations that exhausted their retry budget.
var Contention = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "contention_total",
	Help:      "Total operations that gave up after repeated conflicts.",
}, []string{"op"})

// ─── Alerts ─────────────────────────────────────────────────────────────────

// AlertsPublished tracks alerts handed to the outbound publisher.
var AlertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "alerts_published_total",
	Help:      "Total alerts published by type.",
}, []string{"type"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPLatency tracks API request duration in seconds.
var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gamify",
	Name:      "http_request_duration_seconds",
	Help:      "API request duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}, []string{"route", "code"})

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobRuns tracks background job executions by job and result.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gamify",
	Name:      "job_runs_total",
	Help:      "Total background job runs.",
}, []string{"job", "result"})

// JobDuration tracks background job duration in seconds.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gamify",
	Name:      "job_duration_seconds",
	Help:      "Background job duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
}, []string{"job"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gamify",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

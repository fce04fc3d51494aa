package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestRewardMetrics(t *testing.T) {
	Spins.WithLabelValues("rare", "true").Inc()
	SpinReplays.Inc()
	RewardsIssued.WithLabelValues("spin", "coins").Add(25)

	names := gatheredNames(t)
	for _, name := range []string{
		"gamify_spins_total",
		"gamify_spin_replays_total",
		"gamify_rewards_issued_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestSpins_CountsPerLabel(t *testing.T) {
	before := testutil.ToFloat64(Spins.WithLabelValues("legendary", "false"))
	Spins.WithLabelValues("legendary", "false").Inc()
	after := testutil.ToFloat64(Spins.WithLabelValues("legendary", "false"))
	if after-before != 1 {
		t.Errorf("delta = %v, want 1", after-before)
	}
}

func TestConcurrencyMetrics(t *testing.T) {
	CASConflicts.WithLabelValues("spin").Inc()
	Contention.WithLabelValues("spin").Inc()

	names := gatheredNames(t)
	if !names["gamify_cas_conflicts_total"] || !names["gamify_contention_total"] {
		t.Error("concurrency metrics not registered")
	}
}

func TestStreakAndQuestMetrics(t *testing.T) {
	CheckIns.WithLabelValues("extended").Inc()
	Milestones.WithLabelValues("7").Inc()
	FreezeTokensUsed.WithLabelValues("proactive").Inc()
	QuestTransitions.WithLabelValues("daily", "completed").Inc()
	QuestsArchived.Add(3)
	AlertsPublished.WithLabelValues("pity_near").Inc()

	names := gatheredNames(t)
	for _, name := range []string{
		"gamify_checkins_total",
		"gamify_milestones_total",
		"gamify_freeze_tokens_used_total",
		"gamify_quest_transitions_total",
		"gamify_quests_archived_total",
		"gamify_alerts_published_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestHTTPAndJobMetrics(t *testing.T) {
	HTTPLatency.WithLabelValues("/api/v1/users/{userID}/spin", "200").Observe(0.02)
	JobRuns.WithLabelValues("expire_quests", "ok").Inc()
	JobDuration.WithLabelValues("expire_quests").Observe(0.3)
	HealthCheckStatus.WithLabelValues("store").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"gamify_http_request_duration_seconds",
		"gamify_job_runs_total",
		"gamify_job_duration_seconds",
		"gamify_health_check_status",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

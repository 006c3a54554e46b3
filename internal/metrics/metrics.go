package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kernel-wide prometheus collectors. Registered on the default registry;
// the server exposes them via promhttp.

var (
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "tasks_started_total",
		Help:      "Tasks accepted for execution.",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "tasks_completed_total",
		Help:      "Tasks finished, by terminal status.",
	}, []string{"status"})

	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "steps_executed_total",
		Help:      "Plan steps dispatched, by tool and outcome.",
	}, []string{"tool", "success"})

	StepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "step_retries_total",
		Help:      "Retry attempts across all steps.",
	})

	Replans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "replans_total",
		Help:      "Replans performed, by mode (incremental or full).",
	}, []string{"mode"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "llm_calls_total",
		Help:      "LLM calls, by purpose and outcome.",
	}, []string{"purpose", "success"})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed, by direction (prompt or response).",
	}, []string{"direction"})

	LLMCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agent_kernel",
		Name:      "llm_call_duration_seconds",
		Help:      "LLM round-trip latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ConsistencyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_kernel",
		Name:      "consistency_violations_total",
		Help:      "Consistency violations detected, by severity.",
	}, []string{"severity"})
)

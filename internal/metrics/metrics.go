package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal      prometheus.Counter
	ChatTurns         prometheus.Counter
	InferenceFailures prometheus.Counter
	RateLimited       prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	InferenceDuration prometheus.Histogram

	EnqueuedPulls  prometheus.Counter
	ProcessedPulls prometheus.Counter
	FailedPulls    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			ChatTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "chat_turns_total",
				Help:      "Total completed chat turns, including regenerate and modify",
			}),
			InferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "inference_failures_total",
				Help:      "Total failed chat completion calls",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "rate_limited_total",
				Help:      "Total inference requests rejected by the per-user limit",
			}),
			ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "tool_calls_total",
				Help:      "Tool invocations requested by models",
			}, []string{"tool"}),
			InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ollamabot",
				Name:      "inference_duration_seconds",
				Help:      "Latency of chat completion calls",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			}),
			EnqueuedPulls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "pull_enqueued_total",
				Help:      "Total model pull jobs enqueued to redis stream",
			}),
			ProcessedPulls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "pull_processed_total",
				Help:      "Total model pulls finished successfully",
			}),
			FailedPulls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamabot",
				Name:      "pull_failed_total",
				Help:      "Total model pulls that failed",
			}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.ChatTurns,
			global.InferenceFailures,
			global.RateLimited,
			global.ToolCalls,
			global.InferenceDuration,
			global.EnqueuedPulls,
			global.ProcessedPulls,
			global.FailedPulls,
		)
	})
	return global
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragweave"

var (
	cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by tier and result.",
	}, []string{"tier", "result"})

	embeddingCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "provider_calls_total",
		Help:      "Embedding provider batch calls by result.",
	}, []string{"model", "result"})

	jobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexing",
		Name:      "job_transitions_total",
		Help:      "Indexing job state transitions.",
	}, []string{"from", "to"})

	jobsResident = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "indexing",
		Name:      "jobs_resident",
		Help:      "Unsettled indexing jobs held in memory.",
	})

	fusionQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fusion",
		Name:      "queries_total",
		Help:      "Fusion queries by outcome.",
	}, []string{"outcome"})

	fusionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fusion",
		Name:      "duration_seconds",
		Help:      "Fusion latency including rerank.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	registry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		cacheRequests,
		embeddingCalls,
		jobTransitions,
		jobsResident,
		fusionQueries,
		fusionLatency,
	)
	return r
}

// Registry 返回进程级指标注册表
func Registry() *prometheus.Registry { return registry }

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CacheLookup 记录一次缓存查询
func CacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(tier, result).Inc()
}

// EmbeddingCall 记录一次 provider 批次调用
func EmbeddingCall(model string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	embeddingCalls.WithLabelValues(model, result).Inc()
}

// JobTransition 记录任务状态迁移
func JobTransition(from, to string) {
	jobTransitions.WithLabelValues(from, to).Inc()
}

// JobsResident 记录 arena 中的任务数
func JobsResident(n int) {
	jobsResident.Set(float64(n))
}

// FusionQuery 记录融合查询结果与耗时
func FusionQuery(outcome string, elapsed time.Duration) {
	fusionQueries.WithLabelValues(outcome).Inc()
	fusionLatency.Observe(elapsed.Seconds())
}

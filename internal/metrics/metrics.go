package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 代理与流组装的 Prometheus 指标。所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	gatewayRequests *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	relayedBytes    prometheus.Counter

	streamFrames    *prometheus.CounterVec
	malformedFrames prometheus.Counter
	assembled       *prometheus.CounterVec

	taskTransitions *prometheus.CounterVec
	uploads         *prometheus.CounterVec
}

// New 创建指标集合并注册到独立的 Registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedream_gateway_requests_total",
				Help: "Total number of proxied generation requests by outcome",
			},
			[]string{"outcome"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seedream_gateway_upstream_latency_seconds",
				Help:    "Time until upstream response headers were received",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"status"},
		),
		relayedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "seedream_gateway_relayed_bytes_total",
				Help: "Total number of response bytes relayed to callers",
			},
		),
		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedream_stream_events_total",
				Help: "Total number of stream events folded by kind",
			},
			[]string{"kind"},
		),
		malformedFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "seedream_stream_malformed_frames_total",
				Help: "Total number of stream frames skipped because they could not be parsed",
			},
		),
		assembled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedream_stream_results_total",
				Help: "Total number of finalized streams by outcome",
			},
			[]string{"outcome"},
		),
		taskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedream_task_transitions_total",
				Help: "Total number of task status transitions",
			},
			[]string{"status"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedream_uploads_total",
				Help: "Total number of reference image uploads by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.gatewayRequests,
		m.upstreamLatency,
		m.relayedBytes,
		m.streamFrames,
		m.malformedFrames,
		m.assembled,
		m.taskTransitions,
		m.uploads,
	)
	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GatewayRequest 记录一次代理请求的结果
func (m *Metrics) GatewayRequest(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(outcome).Inc()
}

// UpstreamLatency 记录上游响应头到达耗时
func (m *Metrics) UpstreamLatency(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(status).Observe(d.Seconds())
}

// RelayedBytes 累加转发字节数
func (m *Metrics) RelayedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.Add(float64(n))
}

// StreamEvent 记录一个已折叠的事件
func (m *Metrics) StreamEvent(kind string) {
	if m == nil {
		return
	}
	m.streamFrames.WithLabelValues(kind).Inc()
}

// MalformedFrame 记录一个被跳过的坏帧
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

// StreamResult 记录一次流组装的结果
func (m *Metrics) StreamResult(outcome string) {
	if m == nil {
		return
	}
	m.assembled.WithLabelValues(outcome).Inc()
}

// TaskTransition 记录任务状态变化
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// Upload 记录一次上传结果
func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

// Package metrics 提供 ordersig 的 Prometheus 监控指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ordersig"

// 链上调用指标
var (
	// LedgerCallsTotal 链上只读调用总数
	LedgerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "链上只读调用总数",
		},
		[]string{"method", "status"}, // status: success/unreachable/fault/breaker_open
	)

	// LedgerCallDuration 链上调用耗时
	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "链上调用耗时(秒), 含重试",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	// LedgerRetriesTotal 链上调用重试次数
	LedgerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_retries_total",
			Help:      "链上调用重试次数",
		},
		[]string{"method"},
	)
)

// 校验与签名指标
var (
	// ValidationChecksTotal 本地与链上结果比对次数
	ValidationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_checks_total",
			Help:      "哈希/签名比对次数",
		},
		[]string{"check", "result"}, // result: match/mismatch/error
	)

	// SignaturesTotal 签名次数
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "订单签名次数",
		},
		[]string{"result"}, // success/rejected/failed
	)
)

// RecordLedgerCall 记录一次链上调用
func RecordLedgerCall(method, status string, duration time.Duration) {
	LedgerCallsTotal.WithLabelValues(method, status).Inc()
	LedgerCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordLedgerRetry 记录一次重试
func RecordLedgerRetry(method string) {
	LedgerRetriesTotal.WithLabelValues(method).Inc()
}

// RecordCheck 记录一次比对结果
func RecordCheck(check, result string) {
	ValidationChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordSignature 记录签名结果
func RecordSignature(result string) {
	SignaturesTotal.WithLabelValues(result).Inc()
}

// Package metrics содержит счётчики Prometheus кошелька, резервов и споров.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PostingsTotal считает зафиксированные проводки по типу транзакции.
	PostingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agripay_ledger_postings_total",
		Help: "Total committed ledger transactions by type",
	}, []string{"type"})

	// ReserveOperationsTotal считает операции с резервами по результату.
	ReserveOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agripay_reserve_operations_total",
		Help: "Total reserve operations by operation and result",
	}, []string{"operation", "result"})

	// DisputeTransitionsTotal считает переходы споров между статусами.
	DisputeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agripay_dispute_transitions_total",
		Help: "Total dispute status transitions",
	}, []string{"from", "to"})

	// AIAnalysisDuration длительность вызова AI адаптера.
	AIAnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agripay_ai_analysis_duration_seconds",
		Help:    "AI dispute analysis duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	}, []string{"result"})

	// GateDenialsTotal считает отказы проверки доверия по причине.
	GateDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agripay_gate_denials_total",
		Help: "Total trust gate denials by reason",
	}, []string{"reason"})
)

// Result возвращает метку результата операции.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

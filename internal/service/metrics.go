// metrics.go — Prometheus-метрики запуска согласования.
// Метрики регистрируются в отдельном реестре: процесс живёт один запуск,
// и в Pushgateway отправляются только метрики usersync.
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsRegistry = prometheus.NewRegistry()

var (
	operationsTotal = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "usersync_operations_total",
		Help: "Количество операций согласования по виду и итогу",
	}, []string{"kind", "outcome"})

	runDuration = promauto.With(metricsRegistry).NewHistogram(prometheus.HistogramOpts{
		Name:    "usersync_run_duration_seconds",
		Help:    "Длительность запуска согласования",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~205s
	})

	lastRunTimestamp = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Name: "usersync_last_run_timestamp_seconds",
		Help: "Время завершения последнего запуска (unix)",
	})

	planOperations = promauto.With(metricsRegistry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "usersync_plan_operations",
		Help: "Количество операций в плане последнего запуска по виду",
	}, []string{"kind"})
)

// MetricsGatherer возвращает реестр метрик usersync.
func MetricsGatherer() prometheus.Gatherer {
	return metricsRegistry
}

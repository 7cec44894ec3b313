package queue

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of ready tasks per kind",
		},
		[]string{"kind"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by result",
		},
		[]string{"kind", "result"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Number of tasks stored in DLQ",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics adds the queue collectors to reg. Registering twice is a no-op.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal, QueueDLQSize} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func processedTotal(kind, result string) {
	QueueProcessedTotal.WithLabelValues(kind, result).Inc()
}

func refreshDLQSize(ctx context.Context, store Store, kind string) {
	if store == nil {
		return
	}
	count, err := store.CountQueueDlq(ctx, kind)
	if err != nil {
		return
	}
	QueueDLQSize.WithLabelValues(kind).Set(float64(count))
}

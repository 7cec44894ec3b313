package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DomainMetrics holds the business counters. Every method is safe on a nil
// receiver so packages can run without metrics wired.
type DomainMetrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookRejected *prometheus.CounterVec
	paymentEvents   *prometheus.CounterVec
	sagaStep        *prometheus.HistogramVec
	sagaOutcomes    *prometheus.CounterVec
	ticketsOpened   *prometheus.CounterVec
	slaBreaches     *prometheus.CounterVec
	fraudActions    *prometheus.CounterVec
}

// NewDomainMetrics registers the domain collectors on reg.
func NewDomainMetrics(namespace string, reg prometheus.Registerer) *DomainMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels))
	}
	return &DomainMetrics{
		webhookEvents:   counter("webhook_events_total", "Accepted webhook events by type and dispatch result.", "event_type", "result"),
		webhookRejected: counter("webhook_rejected_total", "Rejected webhook requests by reason.", "reason"),
		paymentEvents:   counter("payment_events_total", "Payment event processing outcomes.", "outcome"),
		sagaStep: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_ms",
			Help:      "Delivery saga step latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"step", "result"})),
		sagaOutcomes:  counter("saga_outcomes_total", "Delivery saga terminal outcomes.", "result"),
		ticketsOpened: counter("tickets_opened_total", "Manual resolution tickets opened by category and insert outcome.", "category", "outcome"),
		slaBreaches:   counter("sla_breaches_total", "Tickets escalated by the SLA monitor by compensation result.", "result"),
		fraudActions:  counter("fraud_actions_total", "Refund and chargeback analyzer actions.", "action"),
	}
}

func (m *DomainMetrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *DomainMetrics) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejected.WithLabelValues(reason).Inc()
}

func (m *DomainMetrics) PaymentEvent(outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(outcome).Inc()
}

// SagaStep observes the duration of one saga step since start.
func (m *DomainMetrics) SagaStep(step, result string, start time.Time) {
	if m == nil {
		return
	}
	m.sagaStep.WithLabelValues(step, result).Observe(DurationMillis(time.Since(start)))
}

func (m *DomainMetrics) SagaOutcome(result string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(result).Inc()
}

func (m *DomainMetrics) TicketOpened(category, outcome string) {
	if m == nil {
		return
	}
	m.ticketsOpened.WithLabelValues(category, outcome).Inc()
}

func (m *DomainMetrics) SLABreach(result string) {
	if m == nil {
		return
	}
	m.slaBreaches.WithLabelValues(result).Inc()
}

func (m *DomainMetrics) FraudAction(action string) {
	if m == nil {
		return
	}
	m.fraudActions.WithLabelValues(action).Inc()
}

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PurchaseMetrics содержит метрики сценариев покупки.
// Нулевой указатель допустим: все методы на nil ничего не делают.
type PurchaseMetrics struct {
	initiated            *prometheus.CounterVec
	confirmed            *prometheus.CounterVec
	failed               *prometheus.CounterVec
	reservationConflicts *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	expired              *prometheus.CounterVec
	refunds              *prometheus.CounterVec
	notifications        *prometheus.CounterVec

	flowDuration *prometheus.HistogramVec

	// Gauge для подтверждений, которые сейчас ждут ответа шлюза.
	confirmsInFlight prometheus.Gauge
}

// NewPurchaseMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewPurchaseMetrics() *PurchaseMetrics {
	return NewPurchaseMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPurchaseMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewPurchaseMetricsWithRegisterer(registerer prometheus.Registerer) *PurchaseMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PurchaseMetrics{
		initiated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_initiated_total",
			Help: "Total number of purchases initiated",
		}, []string{"kind"}),
		confirmed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_confirmed_total",
			Help: "Total number of purchases confirmed after payment",
		}, []string{"kind"}),
		failed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_failed_total",
			Help: "Total number of failed purchase operations by error kind",
		}, []string{"kind", "reason"}),
		reservationConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_reservation_conflicts_total",
			Help: "Total number of reservations rejected because of insufficient stock",
		}, []string{"kind"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_transitions_total",
			Help: "Total number of applied state transitions",
		}, []string{"kind", "from", "to"}),
		expired: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_expired_total",
			Help: "Total number of purchases cancelled by reservation TTL",
		}, []string{"kind"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_refunds_total",
			Help: "Total number of refund attempts by result",
		}, []string{"result"}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "purchases_notifications_total",
			Help: "Total number of notification attempts by result",
		}, []string{"result"}),
		flowDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "purchases_flow_duration_seconds",
			Help:    "Duration of purchase flow operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"kind", "operation"}),
		confirmsInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "purchases_confirms_in_flight",
			Help: "Number of confirmations waiting for the payment gateway",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordInitiated увеличивает счётчик созданных покупок.
func (m *PurchaseMetrics) RecordInitiated(kind string) {
	if m == nil {
		return
	}
	m.initiated.WithLabelValues(kind).Inc()
}

// RecordConfirmed увеличивает счётчик подтверждённых покупок.
func (m *PurchaseMetrics) RecordConfirmed(kind string) {
	if m == nil {
		return
	}
	m.confirmed.WithLabelValues(kind).Inc()
}

// RecordFailed учитывает ошибку операции; reason задаёт категорию ошибки.
func (m *PurchaseMetrics) RecordFailed(kind, reason string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(kind, reason).Inc()
}

// RecordReservationConflict учитывает отказ резерва из-за нехватки остатка.
func (m *PurchaseMetrics) RecordReservationConflict(kind string) {
	if m == nil {
		return
	}
	m.reservationConflicts.WithLabelValues(kind).Inc()
}

// RecordTransition учитывает применённый переход.
func (m *PurchaseMetrics) RecordTransition(kind, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, from, to).Inc()
}

// RecordExpired учитывает покупку, отменённую по TTL.
func (m *PurchaseMetrics) RecordExpired(kind string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(kind).Inc()
}

// RecordRefund учитывает попытку возврата: ok или error.
func (m *PurchaseMetrics) RecordRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// RecordNotification учитывает попытку уведомления: sent, failed или panic.
func (m *PurchaseMetrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// RecordFlowDuration записывает время выполнения операции сценария.
func (m *PurchaseMetrics) RecordFlowDuration(kind, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.flowDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// ConfirmStarted увеличивает количество подтверждений в работе.
func (m *PurchaseMetrics) ConfirmStarted() {
	if m == nil {
		return
	}
	m.confirmsInFlight.Inc()
}

// ConfirmFinished уменьшает количество подтверждений в работе.
func (m *PurchaseMetrics) ConfirmFinished() {
	if m == nil {
		return
	}
	m.confirmsInFlight.Dec()
}

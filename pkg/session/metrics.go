package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsCollector экспортирует метрики координатора в Prometheus.
//
// При nil Registerer в конфигурации коллектор работает как no-op,
// чтобы не тащить условные проверки по всему коду.
type metricsCollector struct {
	enabled bool

	libraryStarts        prometheus.Counter
	callsTotal           *prometheus.CounterVec
	callsActive          prometheus.Gauge
	registrationAttempts prometheus.Counter
	errorsTotal          *prometheus.CounterVec
	stateTransitions     *prometheus.CounterVec
}

func newMetricsCollector(reg prometheus.Registerer) *metricsCollector {
	if reg == nil {
		return &metricsCollector{}
	}

	factory := promauto.With(reg)
	return &metricsCollector{
		enabled: true,
		libraryStarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "library_starts_total",
			Help:      "Успешные запуски сигнального движка",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Попытки вызовов по направлению",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "calls_active",
			Help:      "Текущее количество отслеживаемых вызовов",
		}),
		registrationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "registration_attempts_total",
			Help:      "Попытки регистрации на регистраторе",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Ошибки координатора по виду",
		}, []string{"kind"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Переходы машин состояний",
		}, []string{"machine", "state"}),
	}
}

func (m *metricsCollector) libraryStarted() {
	if m.enabled {
		m.libraryStarts.Inc()
	}
}

func (m *metricsCollector) callStarted(direction string) {
	if m.enabled {
		m.callsTotal.WithLabelValues(direction).Inc()
		m.callsActive.Inc()
	}
}

func (m *metricsCollector) callEnded() {
	if m.enabled {
		m.callsActive.Dec()
	}
}

func (m *metricsCollector) registrationAttempt() {
	if m.enabled {
		m.registrationAttempts.Inc()
	}
}

func (m *metricsCollector) errorOccurred(kind ErrorKind) {
	if m.enabled {
		m.errorsTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (m *metricsCollector) stateTransition(machine, state string) {
	if m.enabled {
		m.stateTransitions.WithLabelValues(machine, state).Inc()
	}
}

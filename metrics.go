package qtrust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts trust activity. A nil *Metrics records nothing.
type Metrics struct {
	Verifications   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	StoreSaves      *prometheus.CounterVec
	Initializations *prometheus.CounterVec
}

// NewMetrics registers the qtrust counters with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtrust",
			Name:      "verifications_total",
			Help:      "Server certificate verifications by final outcome.",
		}, []string{"outcome"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtrust",
			Name:      "decisions_total",
			Help:      "Operator trust decisions.",
		}, []string{"decision"}),
		StoreSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtrust",
			Name:      "store_saves_total",
			Help:      "Attempts to persist an accepted certificate authority.",
		}, []string{"result"}),
		Initializations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtrust",
			Name:      "factory_initializations_total",
			Help:      "Socket factory initializations.",
		}, []string{"result"}),
	}
}

func (m *Metrics) verification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) storeSave(err error) {
	if m == nil {
		return
	}
	m.StoreSaves.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) initialization(err error) {
	if m == nil {
		return
	}
	m.Initializations.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

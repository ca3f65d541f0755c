package pki

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	CAsGenerated         *prometheus.CounterVec
	CertificatesIssued   prometheus.Counter
	CertificatesRevoked  prometheus.Counter
	CRLRebuilds          *prometheus.CounterVec
	ActiveCAExpirySecond prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg, or on the
// default registerer when reg is nil. Collectors that are already registered
// are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CAsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caengine",
			Name:      "ca_generated_total",
			Help:      "CA identities generated, by kind.",
		}, []string{"kind"}),
		CertificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caengine",
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates issued from CSRs.",
		}),
		CertificatesRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caengine",
			Name:      "certificates_revoked_total",
			Help:      "Certificates moved to the revoked state.",
		}),
		CRLRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caengine",
			Name:      "crl_rebuilds_total",
			Help:      "CRL rebuild attempts, by result.",
		}, []string{"result"}),
		ActiveCAExpirySecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caengine",
			Name:      "active_ca_expiry_seconds",
			Help:      "Seconds until the active CA certificate expires.",
		}),
	}

	var err error
	if m.CAsGenerated, err = register(reg, m.CAsGenerated); err != nil {
		return nil, err
	}
	if m.CertificatesIssued, err = register(reg, m.CertificatesIssued); err != nil {
		return nil, err
	}
	if m.CertificatesRevoked, err = register(reg, m.CertificatesRevoked); err != nil {
		return nil, err
	}
	if m.CRLRebuilds, err = register(reg, m.CRLRebuilds); err != nil {
		return nil, err
	}
	if m.ActiveCAExpirySecond, err = register(reg, m.ActiveCAExpirySecond); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func (m *Metrics) caGenerated(kind string) {
	if m != nil {
		m.CAsGenerated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) issued() {
	if m != nil {
		m.CertificatesIssued.Inc()
	}
}

func (m *Metrics) revoked() {
	if m != nil {
		m.CertificatesRevoked.Inc()
	}
}

func (m *Metrics) crlRebuilt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CRLRebuilds.WithLabelValues(result).Inc()
}

func (m *Metrics) setExpiry(d time.Duration) {
	if m != nil {
		m.ActiveCAExpirySecond.Set(d.Seconds())
	}
}

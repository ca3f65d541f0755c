package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertRevocationBurst  AlertType = "revocation_burst"
	AlertKeyExport        AlertType = "key_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts events inside a trailing window.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count when the threshold is
// reached, resetting the window so one spike raises one alert.
func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)
	if len(c.events) < c.threshold {
		return 0, false
	}
	n := len(c.events)
	c.events = c.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	authFailures slidingCounter
	revocations  slidingCounter
	keyExports   slidingCounter

	alertFn AlertFunc
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 20
	defaultRevocationWindow     = 10 * time.Minute
	defaultRevocationThreshold  = 25
	defaultKeyExportWindow      = 1 * time.Hour
	defaultKeyExportThreshold   = 3
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		authFailures: slidingCounter{window: defaultAuthFailureWindow, threshold: defaultAuthFailureThreshold},
		revocations:  slidingCounter{window: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		keyExports:   slidingCounter{window: defaultKeyExportWindow, threshold: defaultKeyExportThreshold},
		alertFn:      alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure:
		m.record(&m.authFailures, AlertAuthFailureSpike, "admin authentication failure rate exceeds threshold")
	case AuditCertRevoked:
		m.record(&m.revocations, AlertRevocationBurst, "certificate revocation rate exceeds threshold")
	case AuditKeyExported:
		m.record(&m.keyExports, AlertKeyExport, "CA key container export rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := time.Now()
	n, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

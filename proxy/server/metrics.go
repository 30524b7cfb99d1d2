package server

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertPINFailureSpike AlertType = "pin_failure_spike"
	AlertBulkExport      AlertType = "bulk_export"
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

// metricsCollector keeps sliding window counters over audit events.
type metricsCollector struct {
	mu sync.Mutex

	pinFailures  []time.Time
	pinWindow    time.Duration
	pinThreshold int

	exports         []time.Time
	exportWindow    time.Duration
	exportThreshold int

	alertFn AlertFunc
}

const (
	defaultPINFailureWindow    = 1 * time.Minute
	defaultPINFailureThreshold = 10
	defaultExportWindow        = 1 * time.Minute
	defaultExportThreshold     = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		pinWindow:       defaultPINFailureWindow,
		pinThreshold:    defaultPINFailureThreshold,
		exportWindow:    defaultExportWindow,
		exportThreshold: defaultExportThreshold,
		alertFn:         alertFn,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditApproveFailure, AuditUnlockFailure:
		m.record(&m.pinFailures, m.pinWindow, m.pinThreshold, AlertPINFailureSpike, "PIN failure rate exceeds threshold")
	case AuditCertificateExported, AuditKeyExported:
		m.record(&m.exports, m.exportWindow, m.exportThreshold, AlertBulkExport, "export rate exceeds threshold")
	}
}

func (m *metricsCollector) record(times *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*times = trimWindow(append(*times, now), now, window)
	if len(*times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*times = (*times)[:0]
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

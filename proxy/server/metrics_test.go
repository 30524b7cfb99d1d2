package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPINFailureSpikeAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []AlertEvent
	collector := newMetricsCollector(func(e AlertEvent) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	})
	collector.pinThreshold = 4

	collector.recordEvent(AuditApproveFailure)
	collector.recordEvent(AuditUnlockFailure)
	collector.recordEvent(AuditApproveFailure)
	collector.recordEvent(AuditSessionApproved)
	mu.Lock()
	assert.Empty(t, alerts, "no alert below threshold")
	mu.Unlock()

	collector.recordEvent(AuditUnlockFailure)
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPINFailureSpike, alerts[0].Type)
	assert.Equal(t, 4, alerts[0].Count)
	mu.Unlock()

	// Counter resets after an alert.
	collector.recordEvent(AuditApproveFailure)
	mu.Lock()
	assert.Len(t, alerts, 1)
	mu.Unlock()
}

func TestBulkExportAlert(t *testing.T) {
	var alerts []AlertEvent
	collector := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	collector.exportThreshold = 3

	collector.recordEvent(AuditCertificateExported)
	collector.recordEvent(AuditKeyExported)
	assert.Empty(t, alerts)

	collector.recordEvent(AuditKeyExported)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBulkExport, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestNilCollectorIgnoresEvents(t *testing.T) {
	var m *metricsCollector
	assert.NotPanics(t, func() { m.recordEvent(AuditApproveFailure) })
}

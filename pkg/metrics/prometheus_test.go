package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value sums every sample of family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordChunk("twse", "ok")
	r.RecordChunk("twse", "ok")
	r.RecordChunk("twse", "failed")
	r.RecordRecords("new", 20)
	r.RecordRecords("duplicate", 0)
	r.RecordAnomalies(3)
	r.RecordRepair(1, 5, 2)
	r.RecordLatency("fetch", 0.3)
	r.RecordError("upsert")

	assert.Equal(t, 2.0, value(t, reg, "twpull_chunks_total", map[string]string{"status": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "twpull_chunks_total", map[string]string{"status": "failed"}))
	assert.Equal(t, 20.0, value(t, reg, "twpull_records_total", map[string]string{"kind": "new"}))
	assert.Equal(t, 0.0, value(t, reg, "twpull_records_total", map[string]string{"kind": "duplicate"}))
	assert.Equal(t, 3.0, value(t, reg, "twpull_anomalies_detected_total", nil))
	assert.Equal(t, 5.0, value(t, reg, "twpull_repair_rows_total", map[string]string{"action": "inserted"}))
	assert.Equal(t, 1.0, value(t, reg, "twpull_errors_total", map[string]string{"type": "upsert"}))
	assert.Equal(t, 1.0, value(t, reg, "twpull_operation_duration_seconds", map[string]string{"operation": "fetch"}))
}

func TestRecordersOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

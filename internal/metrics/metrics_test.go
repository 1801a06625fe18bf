package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAuth_CountsByOperationAndOutcome は操作と結果のラベル別に集計されることを検証する。
func TestRecordAuth_CountsByOperationAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuth("login", "success")
	c.RecordAuth("login", "success")
	c.RecordAuth("login", "invalid_credentials")

	success := findMetric(t, reg, "bandstand_auth_operations_total", map[string]string{"operation": "login", "outcome": "success"})
	if v := success.GetCounter().GetValue(); v != 2 {
		t.Errorf("login success = %v, want 2", v)
	}
	failed := findMetric(t, reg, "bandstand_auth_operations_total", map[string]string{"operation": "login", "outcome": "invalid_credentials"})
	if v := failed.GetCounter().GetValue(); v != 1 {
		t.Errorf("login invalid_credentials = %v, want 1", v)
	}
}

// TestRecordContinuation_CountsByState は状態別に集計されることを検証する。
func TestRecordContinuation_CountsByState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordContinuation("SESSION_NO_PROFILE")

	m := findMetric(t, reg, "bandstand_continuation_states_total", map[string]string{"state": "SESSION_NO_PROFILE"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("continuation = %v, want 1", v)
	}
}

// TestRecordEmail_CountsByKindAndResult はメール種別と結果別に集計されることを検証する。
func TestRecordEmail_CountsByKindAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEmail("welcome", "sent")
	c.RecordEmail("welcome", "failed")
	c.RecordEmail("welcome", "failed")

	m := findMetric(t, reg, "bandstand_emails_total", map[string]string{"kind": "welcome", "result": "failed"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("welcome failed = %v, want 2", v)
	}
}

// TestRecordHTTPStatus_IncrementsPerStatusCode はステータスコード別カウンタが増加することを検証する。
func TestRecordHTTPStatus_IncrementsPerStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)

	ok := findMetric(t, reg, "bandstand_http_status_total", map[string]string{"status_code": "200"})
	if v := ok.GetCounter().GetValue(); v != 2 {
		t.Errorf("status 200 = %v, want 2", v)
	}
	limited := findMetric(t, reg, "bandstand_http_status_total", map[string]string{"status_code": "429"})
	if v := limited.GetCounter().GetValue(); v != 1 {
		t.Errorf("status 429 = %v, want 1", v)
	}
}

// TestRecordRequestLatency_ObservesHistogram はヒストグラムに観測値が記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(150 * time.Millisecond)
	c.RecordRequestLatency(2 * time.Second)

	m := findMetric(t, reg, "bandstand_http_request_duration_seconds", nil)
	h := m.GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() < 2.1 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample sum = %v, want ~2.15", h.GetSampleSum())
	}
}

// TestRecordAbandonedSignupsDeleted_AddsCount は件数が加算されることを検証する。
func TestRecordAbandonedSignupsDeleted_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAbandonedSignupsDeleted(3)
	c.RecordAbandonedSignupsDeleted(0)

	m := findMetric(t, reg, "bandstand_abandoned_signups_deleted_total", nil)
	if v := m.GetCounter().GetValue(); v != 3 {
		t.Errorf("deleted = %v, want 3", v)
	}
}

// TestCollector_ImplementsInterface はMetricsCollectorインターフェースを満たすことを検証する。
func TestCollector_ImplementsInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
}

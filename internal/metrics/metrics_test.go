package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecordRemoteOp_SplitsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRemoteOp("events", "create", nil)
	c.RecordRemoteOp("events", "create", nil)
	c.RecordRemoteOp("events", "create", errors.New("boom"))

	if got := counterValue(t, reg, "homesync_remote_operations_total",
		map[string]string{"collection": "events", "op": "create", "outcome": "success"}); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	if got := counterValue(t, reg, "homesync_remote_operations_total",
		map[string]string{"collection": "events", "op": "create", "outcome": "failure"}); got != 1 {
		t.Errorf("failure = %v, want 1", got)
	}
}

func TestRecordRealtime_IgnoredVsApplied(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRealtime("shopping", "created", false)
	c.RecordRemap("users")
	c.RecordHistory("undo")

	if got := counterValue(t, reg, "homesync_realtime_changes_total",
		map[string]string{"result": "ignored"}); got != 1 {
		t.Errorf("ignored = %v, want 1", got)
	}
	if got := counterValue(t, reg, "homesync_id_remaps_total", nil); got != 1 {
		t.Errorf("remaps = %v, want 1", got)
	}
}

func TestRouter_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHistory("snapshot")

	srv := httptest.NewServer(Router(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "homesync_history_operations_total") {
		t.Error("metrics output missing homesync_history_operations_total")
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

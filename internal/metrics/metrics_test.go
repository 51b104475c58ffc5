package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/docstore/memstore"
)

// findMetric は名前とラベルが一致するメトリクスを探す。
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
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil {
		t.Fatalf("metric %s %v not found", name, labels)
	}
	return m.GetCounter().GetValue()
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordStoreOperation_CountsAndObserves は操作数とレイテンシが記録されることを検証する。
func TestRecordStoreOperation_CountsAndObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreOperation("get", "users", OutcomeOK, 10*time.Millisecond)
	c.RecordStoreOperation("get", "users", OutcomeOK, 30*time.Millisecond)
	c.RecordStoreOperation("get", "users", OutcomeError, time.Millisecond)

	if v := counterValue(t, reg, "dashboard_docstore_operations_total",
		map[string]string{"operation": "get", "collection": "users", "outcome": "ok"}); v != 2 {
		t.Errorf("ok count = %v, want 2", v)
	}
	if v := counterValue(t, reg, "dashboard_docstore_operations_total",
		map[string]string{"operation": "get", "collection": "users", "outcome": "error"}); v != 1 {
		t.Errorf("error count = %v, want 1", v)
	}

	h := findMetric(t, reg, "dashboard_docstore_operation_seconds",
		map[string]string{"operation": "get", "collection": "users"})
	if h == nil {
		t.Fatal("latency histogram not found")
	}
	if got := h.GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("sample count = %d, want 3", got)
	}
}

func TestRecordEvent_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEvent("sign_in")
	c.RecordEvent("sign_in")
	c.RecordEvent("sign_out")
	c.RecordEventDropped("button_clicked")

	if v := counterValue(t, reg, "dashboard_analytics_events_total", map[string]string{"event": "sign_in"}); v != 2 {
		t.Errorf("sign_in = %v, want 2", v)
	}
	if v := counterValue(t, reg, "dashboard_analytics_events_total", map[string]string{"event": "sign_out"}); v != 1 {
		t.Errorf("sign_out = %v, want 1", v)
	}
	if v := counterValue(t, reg, "dashboard_analytics_events_dropped_total", map[string]string{"event": "button_clicked"}); v != 1 {
		t.Errorf("dropped = %v, want 1", v)
	}
}

func TestRecordValidationFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordValidationFailure("settings")

	if v := counterValue(t, reg, "dashboard_validation_failures_total", map[string]string{"entity": "settings"}); v != 1 {
		t.Errorf("validation failures = %v, want 1", v)
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordEvent("sign_in")
	c2.RecordEvent("sign_in")
	c2.RecordEvent("sign_in")

	if v := counterValue(t, reg1, "dashboard_analytics_events_total", map[string]string{"event": "sign_in"}); v != 1 {
		t.Errorf("reg1 = %v, want 1", v)
	}
	if v := counterValue(t, reg2, "dashboard_analytics_events_total", map[string]string{"event": "sign_in"}); v != 2 {
		t.Errorf("reg2 = %v, want 2", v)
	}
}

// --- InstrumentStore ---

// recordingCollector は記録された呼び出しを保持するMetricsCollector。
type recordingCollector struct {
	ops []string
}

func (r *recordingCollector) RecordStoreOperation(op, collection, outcome string, _ time.Duration) {
	r.ops = append(r.ops, op+":"+collection+":"+outcome)
}
func (r *recordingCollector) RecordEvent(string)             {}
func (r *recordingCollector) RecordEventDropped(string)      {}
func (r *recordingCollector) RecordValidationFailure(string) {}

// failingStore は全操作で同じエラーを返す。
type failingStore struct {
	docstore.Store
	err error
}

func (f *failingStore) Get(context.Context, string, string) (*docstore.Snapshot, error) {
	return nil, f.err
}

func (f *failingStore) Query(context.Context, docstore.Query) ([]docstore.Snapshot, error) {
	return nil, f.err
}

// TestInstrumentStore_RecordsOutcomes は各操作の結果がラベル付きで記録されることを検証する。
func TestInstrumentStore_RecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	rec := &recordingCollector{}
	store := InstrumentStore(memstore.New(), rec)

	if err := store.Set(ctx, "users", "u1", docstore.Data{"email": "a@b.com"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := store.Get(ctx, "users", "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap, err := store.Get(ctx, "users", "ghost"); err != nil || snap != nil {
		t.Fatalf("Get ghost = %v, %v", snap, err)
	}
	err := store.Update(ctx, "users", "ghost", []docstore.Update{{Path: "email", Value: "x"}})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Update ghost err = %v, want ErrNotFound", err)
	}
	if _, err := store.Query(ctx, docstore.Query{Collection: "sessions"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := store.Delete(ctx, "users", "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []string{
		"set:users:ok",
		"get:users:ok",
		"get:users:not_found",
		"update:users:not_found",
		"query:sessions:ok",
		"delete:users:ok",
	}
	if strings.Join(rec.ops, ",") != strings.Join(want, ",") {
		t.Errorf("ops = %v, want %v", rec.ops, want)
	}
}

// TestInstrumentStore_PassesErrorsThrough はエラーが変更されずに返されることを検証する。
func TestInstrumentStore_PassesErrorsThrough(t *testing.T) {
	boom := errors.New("unavailable")
	rec := &recordingCollector{}
	store := InstrumentStore(&failingStore{err: boom}, rec)

	if _, err := store.Get(context.Background(), "settings", "u1"); err != boom {
		t.Errorf("Get err = %v, want %v", err, boom)
	}
	if _, err := store.Query(context.Background(), docstore.Query{Collection: "sessions"}); err != boom {
		t.Errorf("Query err = %v, want %v", err, boom)
	}
	want := "get:settings:error,query:sessions:error"
	if got := strings.Join(rec.ops, ","); got != want {
		t.Errorf("ops = %s, want %s", got, want)
	}
}

// --- Pusher ---

func TestNewPusher_EmptyURLReturnsNil(t *testing.T) {
	p := NewPusher("", "dashboard", prometheus.NewRegistry())
	if p != nil {
		t.Fatal("expected nil Pusher")
	}
	if err := p.Push(context.Background()); err != nil {
		t.Errorf("nil Pusher.Push() = %v, want nil", err)
	}
}

// TestPusher_Push はPushgatewayにジョブ単位でPUTされることを検証する。
func TestPusher_Push(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordEvent("sign_in")

	if err := NewPusher(srv.URL, "dashboard", reg).Push(context.Background()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/metrics/job/dashboard" {
		t.Errorf("path = %s, want /metrics/job/dashboard", gotPath)
	}
	if !strings.Contains(gotBody, "dashboard_analytics_events_total") {
		t.Error("pushed body does not contain analytics events")
	}
}

func TestPusher_Push_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewPusher(srv.URL, "dashboard", prometheus.NewRegistry()).Push(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

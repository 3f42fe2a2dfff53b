package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("control_rpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "control_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("control_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = collector.UnaryServerInterceptor()(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("control_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestCollectorRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.SetTrackCounts(3, 7)
	c.TrackCreated("simulator", "ballistic")
	c.TrackTerminal("impact")
	c.TrackTerminal("impact")
	c.SetObservers(4)
	c.IncEvicted()
	c.EventPublished("track:update", "tracks", 5, 2)
	c.IngestResult("duplicate")
	c.StoreError("save")
	c.IncTicksSkipped()
	c.ControlAction("simulation", "start", "ok")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"tracks_active", testutil.ToFloat64(c.TracksActive), 3},
		{"tracks_registered", testutil.ToFloat64(c.TracksTotal), 7},
		{"tracks_created_total", testutil.ToFloat64(c.TracksCreated.WithLabelValues("simulator", "ballistic")), 1},
		{"tracks_terminal_total", testutil.ToFloat64(c.TracksTerminal.WithLabelValues("impact")), 2},
		{"observers_connected", testutil.ToFloat64(c.ObserversConnected), 4},
		{"observers_evicted_total", testutil.ToFloat64(c.ObserversEvicted), 1},
		{"events_published_total", testutil.ToFloat64(c.EventsPublished.WithLabelValues("track:update", "tracks")), 1},
		{"event_deliveries_total", testutil.ToFloat64(c.Deliveries), 5},
		{"event_deliveries_dropped_total", testutil.ToFloat64(c.DeliveriesDropped), 2},
		{"ingest_events_total", testutil.ToFloat64(c.IngestEvents.WithLabelValues("duplicate")), 1},
		{"store_errors_total", testutil.ToFloat64(c.StoreErrors.WithLabelValues("save")), 1},
		{"sim_ticks_skipped_total", testutil.ToFloat64(c.TicksSkipped), 1},
		{"control_actions_total", testutil.ToFloat64(c.ControlActions.WithLabelValues("simulation", "start", "ok")), 1},
	}
	for _, chk := range checks {
		if chk.got != chk.want {
			t.Fatalf("%s = %v, want %v", chk.name, chk.got, chk.want)
		}
	}
}

func TestNewCollectorIsIdempotentPerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("first NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	first.TrackTerminal("intercepted")
	if got := testutil.ToFloat64(second.TracksTerminal.WithLabelValues("intercepted")); got != 1 {
		t.Fatalf("second collector does not share series, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SetTrackCounts(1, 1)
	c.EventPublished("alert:new", "alerts", 1, 0)
	c.ObserveTick(time.Millisecond)
	c.StoreError("save")
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetTrackCounts(2, 5)
	collector.ObserveTick(3 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{"tracks_active 2", "tracks_registered 5", "sim_tick_duration_seconds"} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"nomethod":                     {"unknown", "unknown"},
	}
	for in, want := range cases {
		s, m := SplitMethod(in)
		if s != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %q,%q want %q,%q", in, s, m, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

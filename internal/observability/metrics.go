package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the Prometheus metrics for the simulator, ingestion,
// fan-out and control surfaces. Every method is nil-safe so components can
// run without metrics in tests.
type Collector struct {
	gatherer prometheus.Gatherer

	TracksActive   prometheus.Gauge
	TracksTotal    prometheus.Gauge
	TracksCreated  *prometheus.CounterVec
	TracksTerminal *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	TicksSkipped   prometheus.Counter

	ObserversConnected prometheus.Gauge
	ObserversEvicted   prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	Deliveries         prometheus.Counter
	DeliveriesDropped  prometheus.Counter

	IngestEvents  *prometheus.CounterVec
	MergeDuration prometheus.Histogram
	StoreErrors   *prometheus.CounterVec

	RPCRequests    *prometheus.CounterVec
	RPCDurations   *prometheus.HistogramVec
	ControlActions *prometheus.CounterVec
}

// NewCollector registers all metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice against the same registry
// returns the already-registered collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}

	var err error
	if c.TracksActive, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracks_active",
		Help: "Current number of tracks in the registry's active index.",
	}), "tracks_active"); err != nil {
		return nil, err
	}
	if c.TracksTotal, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracks_registered",
		Help: "Current number of track records held in memory, active or terminal.",
	}), "tracks_registered"); err != nil {
		return nil, err
	}
	if c.TracksCreated, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracks_created_total",
		Help: "Tracks created, labeled by owner (simulator or ingest) and kind.",
	}, []string{"owner", "kind"}), "tracks_created_total"); err != nil {
		return nil, err
	}
	if c.TracksTerminal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracks_terminal_total",
		Help: "Tracks that reached a terminal status, labeled by status.",
	}, []string{"status"}), "tracks_terminal_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall time spent executing one simulation tick.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "sim_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.TicksSkipped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_skipped_total",
		Help: "Ticks dropped because the previous tick was still running.",
	}), "sim_ticks_skipped_total"); err != nil {
		return nil, err
	}
	if c.ObserversConnected, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "observers_connected",
		Help: "Current number of connected observers.",
	}), "observers_connected"); err != nil {
		return nil, err
	}
	if c.ObserversEvicted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "observers_evicted_total",
		Help: "Observers forcibly disconnected by the idle sweep.",
	}), "observers_evicted_total"); err != nil {
		return nil, err
	}
	if c.EventsPublished, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Events published, labeled by event type and topic.",
	}, []string{"type", "topic"}), "events_published_total"); err != nil {
		return nil, err
	}
	if c.Deliveries, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_deliveries_total",
		Help: "Events enqueued onto observer outbound queues.",
	}), "event_deliveries_total"); err != nil {
		return nil, err
	}
	if c.DeliveriesDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_deliveries_dropped_total",
		Help: "Events discarded because an observer queue was full or closed.",
	}), "event_deliveries_dropped_total"); err != nil {
		return nil, err
	}
	if c.IngestEvents, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Externally sourced events processed, labeled by result (inserted, duplicate, invalid).",
	}, []string{"result"}), "ingest_events_total"); err != nil {
		return nil, err
	}
	if c.MergeDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_merge_duration_seconds",
		Help:    "Wall time spent merging one ingestion batch.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "ingest_merge_duration_seconds"); err != nil {
		return nil, err
	}
	if c.StoreErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Persistence failures, labeled by operation.",
	}, []string{"op"}), "store_errors_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_rpc_requests_total",
		Help: "Handled control-plane gRPC calls, labeled by service, method, and status code.",
	}, []string{"service", "method", "code"}), "control_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_rpc_duration_seconds",
		Help:    "Control-plane gRPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "control_rpc_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ControlActions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_actions_total",
		Help: "HTTP start/stop requests, labeled by target (simulation, ingest), action, and result.",
	}, []string{"target", "action", "result"}), "control_actions_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetTrackCounts satisfies state.RegistryMetricsRecorder.
func (c *Collector) SetTrackCounts(active, total int) {
	if c == nil {
		return
	}
	c.TracksActive.Set(float64(active))
	c.TracksTotal.Set(float64(total))
}

// TrackCreated counts a new track.
func (c *Collector) TrackCreated(owner, kind string) {
	if c == nil {
		return
	}
	c.TracksCreated.WithLabelValues(owner, kind).Inc()
}

// TrackTerminal counts a terminal transition.
func (c *Collector) TrackTerminal(status string) {
	if c == nil {
		return
	}
	c.TracksTerminal.WithLabelValues(status).Inc()
}

// ObserveTick records the duration of one simulation tick.
func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// IncTicksSkipped counts a dropped tick.
func (c *Collector) IncTicksSkipped() {
	if c == nil {
		return
	}
	c.TicksSkipped.Inc()
}

// SetObservers satisfies broker.MetricsRecorder.
func (c *Collector) SetObservers(n int) {
	if c == nil {
		return
	}
	c.ObserversConnected.Set(float64(n))
}

// IncEvicted satisfies broker.MetricsRecorder.
func (c *Collector) IncEvicted() {
	if c == nil {
		return
	}
	c.ObserversEvicted.Inc()
}

// EventPublished satisfies publisher.MetricsRecorder.
func (c *Collector) EventPublished(eventType, topic string, delivered, dropped int) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(eventType, topic).Inc()
	c.Deliveries.Add(float64(delivered))
	c.DeliveriesDropped.Add(float64(dropped))
}

// IngestResult counts one processed ingestion event.
func (c *Collector) IngestResult(result string) {
	if c == nil {
		return
	}
	c.IngestEvents.WithLabelValues(result).Inc()
}

// ObserveMerge records the duration of one merge batch.
func (c *Collector) ObserveMerge(d time.Duration) {
	if c == nil {
		return
	}
	c.MergeDuration.Observe(d.Seconds())
}

// StoreError counts a failed persistence operation.
func (c *Collector) StoreError(op string) {
	if c == nil {
		return
	}
	c.StoreErrors.WithLabelValues(op).Inc()
}

// ControlAction counts a start/stop request against target.
func (c *Collector) ControlAction(target, action, result string) {
	if c == nil {
		return
	}
	c.ControlActions.WithLabelValues(target, action, result).Inc()
}

// UnaryServerInterceptor records request counts and durations for the
// control-plane gRPC server.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

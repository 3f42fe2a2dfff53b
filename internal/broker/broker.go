// Package broker tracks connected observers, the topics they subscribe to,
// and a bounded outbound queue per observer.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// Well-known topics.
const (
	TopicTracks = "tracks"
	TopicAlerts = "alerts"
	TopicSystem = "system"
)

// ErrUnknownObserver is returned for operations on an id that is not
// connected (never was, disconnected, or evicted).
var ErrUnknownObserver = errors.New("broker: unknown observer")

// Config holds the broker's tunables.
type Config struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	QueueSize     int           `yaml:"queueSize"`
}

// DefaultConfig returns a 5 minute idle timeout swept every 60s with 256
// queued messages per observer.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 60 * time.Second,
		QueueSize:     256,
	}
}

// MetricsRecorder receives observer gauge and eviction updates.
type MetricsRecorder interface {
	SetObservers(n int)
	IncEvicted()
}

// EventKind labels a lifecycle notification.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventEvicted      EventKind = "evicted"
)

// LifecycleEvent is passed to listeners after a connection change.
type LifecycleEvent struct {
	Kind       EventKind
	ObserverID string
	Count      int
	At         time.Time
}

// ObserverInfo is a point-in-time view of one observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	Topics       []string  `json:"topics"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type observer struct {
	id          string
	connectedAt time.Time
	// lastActivity is unix nanos so Touch never takes the table lock.
	lastActivity atomic.Int64
	topics       map[string]struct{}

	sendMu sync.Mutex
	queue  chan []byte
	done   chan struct{}
	closed bool
}

// Broker is the subscription table. It is read-optimised: fan-out copies
// the member list under the read lock and delivers outside it.
type Broker struct {
	cfg     Config
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder

	mu        sync.RWMutex
	observers map[string]*observer
	members   map[string]map[string]struct{}
	count     atomic.Int64

	listenersMu sync.RWMutex
	listeners   []func(LifecycleEvent)
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock injects the clock used for activity stamps and sweeps.
func WithClock(c timectrl.SimClock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(b *Broker) { b.metrics = m }
}

// New constructs an empty broker. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	b := &Broker{
		cfg:       cfg,
		clock:     timectrl.WallClock{},
		log:       logging.Noop(),
		observers: make(map[string]*observer),
		members:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Config returns the effective configuration.
func (b *Broker) Config() Config { return b.cfg }

// AddListener registers fn for connect, disconnect and evict events.
// Listeners run on the caller's goroutine after all broker locks are
// released, so they may call back into the broker.
func (b *Broker) AddListener(fn func(LifecycleEvent)) {
	if fn == nil {
		return
	}
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

// Connect registers a new observer with no topics and returns its id.
func (b *Broker) Connect() string {
	now := b.clock.Now()
	o := &observer{
		id:          uuid.NewString(),
		connectedAt: now,
		topics:      make(map[string]struct{}),
		queue:       make(chan []byte, b.cfg.QueueSize),
		done:        make(chan struct{}),
	}
	o.lastActivity.Store(now.UnixNano())

	b.mu.Lock()
	b.observers[o.id] = o
	n := int(b.count.Add(1))
	b.mu.Unlock()

	b.log.Debug(context.Background(), "observer connected",
		logging.String("observer_id", o.id),
		logging.Int("observers", n),
	)
	b.afterChange(LifecycleEvent{Kind: EventConnected, ObserverID: o.id, Count: n, At: now})
	return o.id
}

// Disconnect removes id from every topic and closes its Done channel.
// Unknown or already-removed ids are ignored.
func (b *Broker) Disconnect(id string) {
	if n, ok := b.remove(id); ok {
		b.log.Debug(context.Background(), "observer disconnected",
			logging.String("observer_id", id),
			logging.Int("observers", n),
		)
		b.afterChange(LifecycleEvent{Kind: EventDisconnected, ObserverID: id, Count: n, At: b.clock.Now()})
	}
}

func (b *Broker) remove(id string) (int, bool) {
	b.mu.Lock()
	o, ok := b.observers[id]
	if !ok {
		b.mu.Unlock()
		return 0, false
	}
	delete(b.observers, id)
	for topic := range o.topics {
		b.leaveLocked(topic, id)
	}
	n := int(b.count.Add(-1))
	b.mu.Unlock()

	o.sendMu.Lock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	o.sendMu.Unlock()
	return n, true
}

// Join adds id to each topic. Joining a topic twice is a no-op.
func (b *Broker) Join(id string, topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.observers[id]
	if !ok {
		return fmt.Errorf("join %s: %w", id, ErrUnknownObserver)
	}
	for _, topic := range normaliseTopics(topics) {
		o.topics[topic] = struct{}{}
		set := b.members[topic]
		if set == nil {
			set = make(map[string]struct{})
			b.members[topic] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

// Leave removes id from each topic.
func (b *Broker) Leave(id string, topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.observers[id]
	if !ok {
		return fmt.Errorf("leave %s: %w", id, ErrUnknownObserver)
	}
	for _, topic := range normaliseTopics(topics) {
		delete(o.topics, topic)
		b.leaveLocked(topic, id)
	}
	return nil
}

func (b *Broker) leaveLocked(topic, id string) {
	set := b.members[topic]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.members, topic)
	}
}

// Touch records activity for id.
func (b *Broker) Touch(id string) error {
	b.mu.RLock()
	o, ok := b.observers[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("touch %s: %w", id, ErrUnknownObserver)
	}
	o.lastActivity.Store(b.clock.Now().UnixNano())
	return nil
}

// MembersOf returns a sorted snapshot of the observers subscribed to topic.
func (b *Broker) MembersOf(topic string) []string {
	b.mu.RLock()
	set := b.members[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Topics returns the topics id is subscribed to.
func (b *Broker) Topics(id string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.observers[id]
	if !ok {
		return nil, fmt.Errorf("topics %s: %w", id, ErrUnknownObserver)
	}
	return sortedKeys(o.topics), nil
}

// Count returns the number of connected observers without locking.
func (b *Broker) Count() int { return int(b.count.Load()) }

// Observers returns a snapshot of every connected observer.
func (b *Broker) Observers() []ObserverInfo {
	b.mu.RLock()
	out := make([]ObserverInfo, 0, len(b.observers))
	for _, o := range b.observers {
		out = append(out, ObserverInfo{
			ID:           o.id,
			Topics:       sortedKeys(o.topics),
			ConnectedAt:  o.connectedAt,
			LastActivity: time.Unix(0, o.lastActivity.Load()),
		})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Deliver enqueues msg for id without blocking. When the queue is full the
// oldest queued message is discarded to make room and dropped is true.
func (b *Broker) Deliver(id string, msg []byte) (dropped bool, err error) {
	b.mu.RLock()
	o, ok := b.observers[id]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("deliver %s: %w", id, ErrUnknownObserver)
	}

	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if o.closed {
		return false, fmt.Errorf("deliver %s: %w", id, ErrUnknownObserver)
	}
	for {
		select {
		case o.queue <- msg:
			return dropped, nil
		default:
		}
		select {
		case <-o.queue:
			dropped = true
		default:
		}
	}
}

// Outbound returns the queue a transport drains for id.
func (b *Broker) Outbound(id string) (<-chan []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.observers[id]
	if !ok {
		return nil, fmt.Errorf("outbound %s: %w", id, ErrUnknownObserver)
	}
	return o.queue, nil
}

// Done returns a channel closed when id is disconnected or evicted.
func (b *Broker) Done(id string) (<-chan struct{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.observers[id]
	if !ok {
		return nil, fmt.Errorf("done %s: %w", id, ErrUnknownObserver)
	}
	return o.done, nil
}

// Sweep evicts every observer idle for longer than IdleTimeout at now and
// returns their ids.
func (b *Broker) Sweep(now time.Time) []string {
	cutoff := now.Add(-b.cfg.IdleTimeout).UnixNano()

	b.mu.RLock()
	var stale []string
	for id, o := range b.observers {
		if o.lastActivity.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(stale)

	evicted := stale[:0]
	for _, id := range stale {
		n, ok := b.remove(id)
		if !ok {
			continue
		}
		evicted = append(evicted, id)
		if b.metrics != nil {
			b.metrics.IncEvicted()
		}
		b.log.Info(context.Background(), "observer evicted for inactivity",
			logging.String("observer_id", id),
			logging.Duration("idle_timeout", b.cfg.IdleTimeout),
		)
		b.afterChange(LifecycleEvent{Kind: EventEvicted, ObserverID: id, Count: n, At: now})
	}
	return evicted
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	d := timectrl.NewDriver("broker-sweep", b.cfg.SweepInterval, func(_ context.Context, now time.Time) {
		b.Sweep(now)
	}, timectrl.WithClock(b.clock))
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

func (b *Broker) afterChange(ev LifecycleEvent) {
	if b.metrics != nil {
		b.metrics.SetObservers(ev.Count)
	}
	b.listenersMu.RLock()
	listeners := append([]func(LifecycleEvent){}, b.listeners...)
	b.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func normaliseTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

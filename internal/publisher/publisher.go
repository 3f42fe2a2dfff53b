// Package publisher shapes track and alert events and fans them out to
// topic members through the broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/trackcast/internal/broker"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/model"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// Event types carried in Envelope.Type.
const (
	EventTrackNew        = "track:new"
	EventTrackUpdate     = "track:update"
	EventTrackStatus     = "track:status"
	EventAlertNew        = "alert:new"
	EventSystemStatus    = "system:status"
	EventConnectionStats = "connection_stats"
)

// Envelope is the wire shape of every outbound event.
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange is the payload of a track:status event.
type StatusChange struct {
	TrackID  string       `json:"trackId"`
	Status   model.Status `json:"status"`
	Previous model.Status `json:"previousStatus,omitempty"`
	Track    *model.Track `json:"track"`
}

// ConnectionStats is the payload of a connection_stats event.
type ConnectionStats struct {
	TotalConnections int    `json:"totalConnections"`
	Change           string `json:"change,omitempty"`
}

// Fanout is the subset of the broker the publisher needs.
type Fanout interface {
	MembersOf(topic string) []string
	Deliver(id string, msg []byte) (dropped bool, err error)
}

// MetricsRecorder receives per-publish delivery counts.
type MetricsRecorder interface {
	EventPublished(eventType, topic string, delivered, dropped int)
}

// Publisher serialises publishes behind one mutex so that events about the
// same track reach every observer in the order they were produced.
type Publisher struct {
	mu      sync.Mutex
	fanout  Fanout
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used for envelope and alert timestamps.
func WithClock(c timectrl.SimClock) Option {
	return func(p *Publisher) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New returns a Publisher delivering through fanout.
func New(fanout Fanout, opts ...Option) *Publisher {
	p := &Publisher{
		fanout: fanout,
		clock:  timectrl.WallClock{},
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// TrackNew announces a newly registered track on the tracks topic.
func (p *Publisher) TrackNew(ctx context.Context, t *model.Track) {
	p.publish(ctx, EventTrackNew, broker.TopicTracks, t.Clone())
}

// TrackUpdate announces a position/altitude change.
func (p *Publisher) TrackUpdate(ctx context.Context, t *model.Track) {
	p.publish(ctx, EventTrackUpdate, broker.TopicTracks, t.Clone())
}

// TrackStatus announces a status transition. Intercepted and impact also
// raise an alert whose severity is the track's threat level.
func (p *Publisher) TrackStatus(ctx context.Context, t *model.Track, previous model.Status) {
	cp := t.Clone()
	p.publish(ctx, EventTrackStatus, broker.TopicTracks, StatusChange{
		TrackID:  cp.ID,
		Status:   cp.Status,
		Previous: previous,
		Track:    cp,
	})

	if cp.Status == model.StatusIntercepted || cp.Status == model.StatusImpact {
		p.Alert(ctx, model.Alert{
			Type:          string(cp.Status),
			Severity:      cp.ThreatLevel,
			Message:       fmt.Sprintf("Track %s %s", cp.ID, cp.Status),
			TrackID:       cp.ID,
			Track:         cp,
			InterceptorID: cp.Metadata.InterceptorID,
		})
	}
}

// Alert publishes a on the alerts topic, assigning an id and timestamp
// when they are missing.
func (p *Publisher) Alert(ctx context.Context, a model.Alert) {
	if a.ID == "" {
		a.ID = "alert-" + uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = p.clock.Now()
	}
	if a.Track != nil {
		a.Track = a.Track.Clone()
	}
	p.publish(ctx, EventAlertNew, broker.TopicAlerts, a)
}

// ConnectionStats publishes the observer count on the system topic.
func (p *Publisher) ConnectionStats(ctx context.Context, stats ConnectionStats) {
	p.publish(ctx, EventConnectionStats, broker.TopicSystem, stats)
}

// SystemStatus publishes an arbitrary status document on the system topic.
func (p *Publisher) SystemStatus(ctx context.Context, status any) {
	p.publish(ctx, EventSystemStatus, broker.TopicSystem, status)
}

func (p *Publisher) publish(ctx context.Context, eventType, topic string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, err := json.Marshal(Envelope{
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: p.clock.Now(),
	})
	if err != nil {
		p.log.Error(ctx, "encode event failed",
			logging.String("event", eventType),
			logging.Err(err),
		)
		return
	}

	var delivered, dropped int
	for _, id := range p.fanout.MembersOf(topic) {
		lost, err := p.fanout.Deliver(id, msg)
		if err != nil {
			// Observer went away between MembersOf and Deliver.
			p.log.Debug(ctx, "deliver skipped",
				logging.String("observer_id", id),
				logging.String("event", eventType),
				logging.Err(err),
			)
			continue
		}
		delivered++
		if lost {
			dropped++
		}
	}
	if p.metrics != nil {
		p.metrics.EventPublished(eventType, topic, delivered, dropped)
	}
}

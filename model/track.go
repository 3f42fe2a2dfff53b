package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would violate the
// track state machine, e.g. leaving a terminal status.
var ErrInvalidTransition = errors.New("invalid track status transition")

// Status is the lifecycle state of a track.
type Status string

const (
	StatusLaunched    Status = "launched"
	StatusInFlight    Status = "in-flight"
	StatusIntercepted Status = "intercepted"
	StatusImpact      Status = "impact"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusIntercepted || s == StatusImpact || s == StatusFailed
}

// Owner identifies which engine is allowed to mutate a track.
type Owner string

const (
	OwnerSimulator Owner = "simulator"
	OwnerIngest    Owner = "ingest"
)

// Coordinate is a geographic position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within the WGS84 ranges.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Metadata carries auxiliary per-track information. Fields are additive;
// InterceptorID is written once, at the intercepted transition.
type Metadata struct {
	RangeM        float64        `json:"range,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Source        string         `json:"source,omitempty"`
	Description   string         `json:"description,omitempty"`
	InterceptorID string         `json:"interceptorId,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Track is a single simulated or ingested moving entity.
type Track struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"type"`
	Owner Owner  `json:"owner"`

	Origin          Coordinate   `json:"origin"`
	Target          Coordinate   `json:"target"`
	CurrentPosition Coordinate   `json:"currentPosition"`
	Trajectory      []Coordinate `json:"trajectory"`
	Altitude        float64      `json:"altitude"`
	SpeedMps        float64      `json:"speed"`

	Status              Status     `json:"status"`
	LaunchTime          time.Time  `json:"launchTime"`
	EstimatedImpactTime time.Time  `json:"estimatedImpactTime"`
	ActualImpactTime    *time.Time `json:"actualImpactTime,omitempty"`

	OriginCountry string      `json:"originCountry"`
	TargetCountry string      `json:"targetCountry"`
	OriginName    string      `json:"originName,omitempty"`
	TargetName    string      `json:"targetName,omitempty"`
	ThreatLevel   ThreatLevel `json:"threatLevel"`

	Metadata Metadata `json:"metadata"`
}

// Clone returns a deep copy of t so callers can mutate it freely.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Trajectory = append([]Coordinate(nil), t.Trajectory...)
	if t.ActualImpactTime != nil {
		at := *t.ActualImpactTime
		cp.ActualImpactTime = &at
	}
	if t.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]any, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	return &cp
}

// Active reports whether the track is still launched or in flight.
func (t *Track) Active() bool {
	return !t.Status.Terminal()
}

// Progress returns the clamped fraction of the nominal flight completed at now.
func (t *Track) Progress(now time.Time) float64 {
	total := t.EstimatedImpactTime.Sub(t.LaunchTime)
	if total <= 0 {
		return 1
	}
	p := float64(now.Sub(t.LaunchTime)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Transition moves the track to status to at now. Terminal statuses stamp
// ActualImpactTime; leaving a terminal status or re-entering launched fails.
func (t *Track) Transition(to Status, now time.Time) error {
	from := t.Status
	if from.Terminal() {
		return fmt.Errorf("%w: track %s is %s, cannot move to %s", ErrInvalidTransition, t.ID, from, to)
	}
	switch to {
	case StatusInFlight:
		if from != StatusLaunched {
			return fmt.Errorf("%w: track %s %s -> %s", ErrInvalidTransition, t.ID, from, to)
		}
	case StatusIntercepted, StatusImpact, StatusFailed:
		if t.ActualImpactTime != nil {
			return fmt.Errorf("%w: track %s already has an impact time", ErrInvalidTransition, t.ID)
		}
		at := now
		t.ActualImpactTime = &at
	default:
		return fmt.Errorf("%w: track %s %s -> %s", ErrInvalidTransition, t.ID, from, to)
	}
	t.Status = to
	return nil
}

// Alert is a high-level notification derived from a track event.
type Alert struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Severity      ThreatLevel `json:"severity"`
	Message       string      `json:"message"`
	TrackID       string      `json:"trackId,omitempty"`
	Track         *Track      `json:"track,omitempty"`
	InterceptorID string      `json:"interceptorId,omitempty"`
	Source        string      `json:"source,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Alert types emitted by the engines.
const (
	AlertLaunch      = "missile_launch"
	AlertImpact      = "missile_impact"
	AlertIntercepted = "missile_intercepted"
	AlertDetected    = "missile_detected"
)

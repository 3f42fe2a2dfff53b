package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/trackcast/model"
)

// ErrInvalidEvent marks an event the merger cannot turn into a track.
var ErrInvalidEvent = errors.New("ingest: invalid event")

// Endpoint is one end of an ingested route after normalisation.
type Endpoint struct {
	Position model.Coordinate
	Country  string
	Name     string
	// Set reports whether the producer supplied a position at all.
	Set bool
}

// RawEvent is an externally observed launch in its canonical shape.
// Producers disagree on field names; UnmarshalJSON folds every known
// variant into this one shape so nothing downstream has to care:
//
//	origin | source               -> Origin (origin wins, source fills gaps)
//	threatLevel | threat_level    -> ThreatLevel
//	{lat,lng} | {coordinates:[lat,lng]} -> Endpoint.Position
//	type | kind                   -> Kind
type RawEvent struct {
	ID                  string
	Timestamp           time.Time
	LaunchTime          time.Time
	EstimatedImpactTime time.Time
	Origin              Endpoint
	Target              Endpoint
	Kind                string
	Status              string
	ThreatLevel         string
	Description         string
	SourceLabel         string
	Confidence          float64
	// Metadata holds whatever else the producer attached, including the
	// legacy source block when both origin and source were sent.
	Metadata map[string]any
}

type wireEndpoint struct {
	Lat         *float64  `json:"lat"`
	Lng         *float64  `json:"lng"`
	Lon         *float64  `json:"lon"`
	Coordinates []float64 `json:"coordinates"`
	Country     string    `json:"country"`
	Location    string    `json:"location"`
	Name        string    `json:"name"`
}

func (w *wireEndpoint) endpoint() (Endpoint, error) {
	if w == nil {
		return Endpoint{}, nil
	}
	ep := Endpoint{Country: w.Country, Name: w.Location}
	if ep.Name == "" {
		ep.Name = w.Name
	}
	lng := w.Lng
	if lng == nil {
		lng = w.Lon
	}
	switch {
	case w.Lat != nil && lng != nil:
		ep.Position = model.Coordinate{Lat: *w.Lat, Lng: *lng}
		ep.Set = true
	case len(w.Coordinates) == 2:
		ep.Position = model.Coordinate{Lat: w.Coordinates[0], Lng: w.Coordinates[1]}
		ep.Set = true
	case len(w.Coordinates) != 0:
		return ep, fmt.Errorf("%w: coordinates must be a [lat, lng] pair", ErrInvalidEvent)
	}
	return ep, nil
}

// merge fills fields missing from ep with those from alt.
func (ep Endpoint) merge(alt Endpoint) Endpoint {
	if !ep.Set && alt.Set {
		ep.Position, ep.Set = alt.Position, true
	}
	if ep.Country == "" {
		ep.Country = alt.Country
	}
	if ep.Name == "" {
		ep.Name = alt.Name
	}
	return ep
}

type wireEvent struct {
	ID                  string         `json:"id"`
	Timestamp           *time.Time     `json:"timestamp"`
	LaunchTime          *time.Time     `json:"launchTime"`
	EstimatedImpactTime *time.Time     `json:"estimatedImpactTime"`
	Origin              *wireEndpoint  `json:"origin"`
	Source              *wireEndpoint  `json:"source"`
	Target              *wireEndpoint  `json:"target"`
	Type                string         `json:"type"`
	Kind                string         `json:"kind"`
	Status              string         `json:"status"`
	ThreatLevel         string         `json:"threatLevel"`
	ThreatLevelSnake    string         `json:"threat_level"`
	Description         string         `json:"description"`
	SourceLabel         string         `json:"sourceLabel"`
	Country             string         `json:"country"`
	Confidence          *float64       `json:"confidence"`
	Metadata            map[string]any `json:"metadata"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	origin, err := w.Origin.endpoint()
	if err != nil {
		return err
	}
	source, err := w.Source.endpoint()
	if err != nil {
		return err
	}
	target, err := w.Target.endpoint()
	if err != nil {
		return err
	}

	out := RawEvent{
		ID:          strings.TrimSpace(w.ID),
		Origin:      origin.merge(source),
		Target:      target,
		Kind:        firstNonEmpty(w.Type, w.Kind),
		Status:      w.Status,
		ThreatLevel: firstNonEmpty(w.ThreatLevel, w.ThreatLevelSnake),
		Description: w.Description,
		SourceLabel: w.SourceLabel,
		Metadata:    map[string]any{},
	}
	if out.Origin.Country == "" {
		out.Origin.Country = w.Country
	}
	if w.Timestamp != nil {
		out.Timestamp = *w.Timestamp
	}
	if w.LaunchTime != nil {
		out.LaunchTime = *w.LaunchTime
	}
	if w.EstimatedImpactTime != nil {
		out.EstimatedImpactTime = *w.EstimatedImpactTime
	}
	for k, v := range w.Metadata {
		out.Metadata[k] = v
	}
	if w.Confidence != nil {
		out.Confidence = *w.Confidence
	} else if c, ok := out.Metadata["confidence"].(float64); ok {
		out.Confidence = c
	}
	if out.SourceLabel == "" {
		if s, ok := out.Metadata["source"].(string); ok {
			out.SourceLabel = s
		}
	}
	if w.Origin != nil && w.Source != nil {
		out.Metadata["legacySource"] = map[string]any{
			"country":  source.Country,
			"location": source.Name,
			"lat":      source.Position.Lat,
			"lng":      source.Position.Lng,
		}
	}
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	*e = out
	return nil
}

// Validate checks the fields every track needs.
func (e RawEvent) Validate() error {
	if !e.Origin.Set {
		return fmt.Errorf("%w: missing origin", ErrInvalidEvent)
	}
	if !e.Target.Set {
		return fmt.Errorf("%w: missing target", ErrInvalidEvent)
	}
	if !e.Origin.Position.Valid() {
		return fmt.Errorf("%w: origin %+v out of range", ErrInvalidEvent, e.Origin.Position)
	}
	if !e.Target.Position.Valid() {
		return fmt.Errorf("%w: target %+v out of range", ErrInvalidEvent, e.Target.Position)
	}
	if _, err := model.ParseKind(e.Kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

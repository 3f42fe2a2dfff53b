package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the class of a track and selects its kinematic constants.
type Kind string

const (
	KindBallistic   Kind = "ballistic"
	KindCruise      Kind = "cruise"
	KindInterceptor Kind = "interceptor"
	KindDrone       Kind = "drone"
)

// Kinds lists every supported kind in a stable order. Spawn selection
// indexes into this slice, so the order is part of the seeded behaviour.
var Kinds = []Kind{KindBallistic, KindCruise, KindInterceptor, KindDrone}

// KindProfile holds the illustrative kinematics for one kind.
type KindProfile struct {
	SpeedMps          float64
	MaxAltitudeM      float64
	RangeM            float64
	NominalFlightTime time.Duration
}

var kindProfiles = map[Kind]KindProfile{
	KindBallistic:   {SpeedMps: 2000, MaxAltitudeM: 100000, RangeM: 2000000, NominalFlightTime: 600 * time.Second},
	KindCruise:      {SpeedMps: 250, MaxAltitudeM: 1000, RangeM: 1500000, NominalFlightTime: 3600 * time.Second},
	KindInterceptor: {SpeedMps: 1500, MaxAltitudeM: 30000, RangeM: 100000, NominalFlightTime: 120 * time.Second},
	KindDrone:       {SpeedMps: 50, MaxAltitudeM: 5000, RangeM: 500000, NominalFlightTime: 7200 * time.Second},
}

// Profile returns the kinematic profile for k. Unknown kinds get the zero
// profile, which yields zero altitude everywhere.
func (k Kind) Profile() KindProfile {
	return kindProfiles[k]
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	_, ok := kindProfiles[k]
	return ok
}

// ParseKind maps a producer-supplied label onto a Kind. An empty label
// defaults to ballistic, matching what upstream scrapers emit when they
// cannot classify an event.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "unknown" {
		return KindBallistic, nil
	}
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unsupported track kind %q", s)
	}
	return k, nil
}

// ThreatLevel classifies how dangerous a track is.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ParseThreatLevel normalises a label; unknown or empty labels return ok=false.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	switch ThreatLevel(strings.ToLower(strings.TrimSpace(s))) {
	case ThreatLow:
		return ThreatLow, true
	case ThreatMedium:
		return ThreatMedium, true
	case ThreatHigh:
		return ThreatHigh, true
	case ThreatCritical:
		return ThreatCritical, true
	default:
		return "", false
	}
}

// AssessThreat applies the fixed decision table used for every new track:
//
//	ballistic + high-value target -> critical
//	ballistic                     -> high
//	any other + high-value target -> high
//	cruise                        -> medium
//	otherwise                     -> low
func AssessThreat(kind Kind, highValueTarget bool) ThreatLevel {
	switch {
	case kind == KindBallistic && highValueTarget:
		return ThreatCritical
	case kind == KindBallistic:
		return ThreatHigh
	case highValueTarget:
		return ThreatHigh
	case kind == KindCruise:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

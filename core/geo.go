package core

import (
	"math"

	"github.com/signalsfoundry/trackcast/model"
)

// EarthRadiusM is the mean Earth radius used for great-circle distances (metres).
const EarthRadiusM = 6371000.0

// DefaultBowFactor shapes how strongly Interpolate curves a path.
const DefaultBowFactor = 0.3

func toRadians(deg float64) float64 { return deg * math.Pi / 180.0 }

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b model.Coordinate) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c
}

// Interpolate returns the position at progress along a bowed path from
// origin to target using DefaultBowFactor.
func Interpolate(origin, target model.Coordinate, progress float64) model.Coordinate {
	return InterpolateBowed(origin, target, progress, DefaultBowFactor)
}

// InterpolateBowed returns the position at progress ∈ [0,1] along a curved
// path from origin to target. Progress is eased ahead of linear before the
// midpoint and behind it afterwards, and the point is pushed sideways by a
// parabolic offset, so the path is visibly curved. The endpoints are exact.
//
// bow must stay below 2 for the easing to remain monotonic; larger values
// are clamped.
func InterpolateBowed(origin, target model.Coordinate, progress, bow float64) model.Coordinate {
	if progress <= 0 {
		return origin
	}
	if progress >= 1 {
		return target
	}
	if bow < 0 {
		bow = 0
	}
	if bow > 1.9 {
		bow = 1.9
	}

	p := progress
	eased := p + bow*p*(1-p)*(1-2*p)

	dLat := target.Lat - origin.Lat
	dLng := target.Lng - origin.Lng

	// Perpendicular (-dLng, dLat) scaled so the peak offset at p=0.5 is
	// bow/4 of the span.
	side := bow * p * (1 - p)
	pos := model.Coordinate{
		Lat: origin.Lat + dLat*eased - dLng*side,
		Lng: origin.Lng + dLng*eased + dLat*side,
	}
	return clampCoordinate(pos)
}

// AltitudeProfile returns the illustrative altitude for kind at progress:
// a parabola that is zero at both ends and peaks at maxAltitude(kind) when
// progress is 0.5.
func AltitudeProfile(kind model.Kind, progress float64) float64 {
	if progress <= 0 || progress >= 1 {
		return 0
	}
	return kind.Profile().MaxAltitudeM * 4 * progress * (1 - progress)
}

// FlightTimeSeconds estimates the nominal flight time for kind between
// origin and target, never less than minSeconds.
func FlightTimeSeconds(kind model.Kind, origin, target model.Coordinate, minSeconds float64) float64 {
	speed := kind.Profile().SpeedMps
	if speed <= 0 {
		return minSeconds
	}
	return math.Max(minSeconds, DistanceMeters(origin, target)/speed)
}

func clampCoordinate(c model.Coordinate) model.Coordinate {
	c.Lat = math.Max(-90, math.Min(90, c.Lat))
	c.Lng = math.Max(-180, math.Min(180, c.Lng))
	return c
}

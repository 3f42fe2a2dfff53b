package state

import (
	"time"

	"github.com/signalsfoundry/trackcast/model"
)

// newTrackForTest builds a launched ballistic track with a ten minute flight.
func newTrackForTest(id string, launch time.Time) *model.Track {
	origin := model.Coordinate{Lat: 35.6892, Lng: 51.3890}
	return &model.Track{
		ID:                  id,
		Kind:                model.KindBallistic,
		Owner:               model.OwnerSimulator,
		Origin:              origin,
		Target:              model.Coordinate{Lat: 32.0853, Lng: 34.7818},
		CurrentPosition:     origin,
		Trajectory:          []model.Coordinate{origin},
		Status:              model.StatusLaunched,
		LaunchTime:          launch,
		EstimatedImpactTime: launch.Add(10 * time.Minute),
		OriginCountry:       "iran",
		TargetCountry:       "israel",
		ThreatLevel:         model.ThreatHigh,
	}
}

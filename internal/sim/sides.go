package sim

import "github.com/signalsfoundry/trackcast/model"

// Location is a named launch or target site.
type Location struct {
	Name      string
	Position  model.Coordinate
	HighValue bool
}

// Side is one party to the simulated exchange together with its site pool.
type Side struct {
	Name      string
	Locations []Location
}

// DefaultSides returns the two-party theatre the simulator spawns between.
// Populated capitals are flagged high value for threat assessment.
func DefaultSides() []Side {
	return []Side{
		{
			Name: "israel",
			Locations: []Location{
				{Name: "Tel Aviv", Position: model.Coordinate{Lat: 32.0853, Lng: 34.7818}, HighValue: true},
				{Name: "Jerusalem", Position: model.Coordinate{Lat: 31.7683, Lng: 35.2137}, HighValue: true},
				{Name: "Haifa", Position: model.Coordinate{Lat: 32.7940, Lng: 34.9896}},
				{Name: "Eilat", Position: model.Coordinate{Lat: 29.5581, Lng: 34.9482}},
				{Name: "Beersheba", Position: model.Coordinate{Lat: 31.2518, Lng: 34.7915}},
				{Name: "Iron Dome Site", Position: model.Coordinate{Lat: 31.8947, Lng: 34.8096}},
				{Name: "Dimona", Position: model.Coordinate{Lat: 31.0595, Lng: 35.0295}},
				{Name: "Palmachim", Position: model.Coordinate{Lat: 31.8947, Lng: 34.6896}},
			},
		},
		{
			Name: "iran",
			Locations: []Location{
				{Name: "Tehran", Position: model.Coordinate{Lat: 35.6892, Lng: 51.3890}, HighValue: true},
				{Name: "Isfahan", Position: model.Coordinate{Lat: 32.6546, Lng: 51.6680}},
				{Name: "Shiraz", Position: model.Coordinate{Lat: 29.5918, Lng: 52.5837}},
				{Name: "Tabriz", Position: model.Coordinate{Lat: 38.0962, Lng: 46.2738}},
				{Name: "Natanz", Position: model.Coordinate{Lat: 33.7248, Lng: 51.7281}},
				{Name: "Fordow", Position: model.Coordinate{Lat: 34.9564, Lng: 50.9896}},
				{Name: "Bushehr", Position: model.Coordinate{Lat: 28.9684, Lng: 50.8385}},
			},
		},
	}
}

func validateSides(sides []Side) error {
	if len(sides) < 2 {
		return errNeedTwoSides
	}
	for _, s := range sides {
		if len(s.Locations) == 0 {
			return errEmptySide
		}
		for _, l := range s.Locations {
			if !l.Position.Valid() {
				return errBadLocation
			}
		}
	}
	return nil
}

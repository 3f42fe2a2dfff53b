package sim

import (
	"errors"
	"fmt"
	"time"
)

var (
	errNeedTwoSides = errors.New("sim: at least two sides are required")
	errEmptySide    = errors.New("sim: every side needs at least one location")
	errBadLocation  = errors.New("sim: location outside coordinate range")
)

// Params are the tunables of the tick algorithm. Probabilities are per tick.
type Params struct {
	TickPeriod           time.Duration `yaml:"tickPeriod"`
	SpawnProbability     float64       `yaml:"spawnProbability"`
	InterceptProbability float64       `yaml:"interceptProbability"`
	InterceptSuccess     float64       `yaml:"interceptSuccess"`
	MaxActive            int           `yaml:"maxActive"`
	MinFlightTime        time.Duration `yaml:"minFlightTime"`
	BowFactor            float64       `yaml:"bowFactor"`
	// Seed fixes the random stream; zero picks one from the wall clock.
	Seed uint64 `yaml:"seed"`
}

// DefaultParams returns the stock tick configuration.
func DefaultParams() Params {
	return Params{
		TickPeriod:           5 * time.Second,
		SpawnProbability:     0.3,
		InterceptProbability: 0.1,
		InterceptSuccess:     0.7,
		MaxActive:            10,
		MinFlightTime:        60 * time.Second,
		BowFactor:            0.3,
	}
}

// Validate reports the first out-of-range field.
func (p Params) Validate() error {
	probs := []struct {
		name string
		v    float64
	}{
		{"spawnProbability", p.SpawnProbability},
		{"interceptProbability", p.InterceptProbability},
		{"interceptSuccess", p.InterceptSuccess},
	}
	for _, pr := range probs {
		if pr.v < 0 || pr.v > 1 {
			return fmt.Errorf("sim: %s %v outside [0,1]", pr.name, pr.v)
		}
	}
	if p.TickPeriod <= 0 {
		return fmt.Errorf("sim: tickPeriod must be positive, got %s", p.TickPeriod)
	}
	if p.MaxActive < 0 {
		return fmt.Errorf("sim: maxActive must not be negative, got %d", p.MaxActive)
	}
	if p.MinFlightTime < 0 {
		return fmt.Errorf("sim: minFlightTime must not be negative, got %s", p.MinFlightTime)
	}
	if p.BowFactor < 0 || p.BowFactor >= 2 {
		return fmt.Errorf("sim: bowFactor %v outside [0,2)", p.BowFactor)
	}
	return nil
}

package model

import (
	"strings"
	"time"
)

// DedupKey identifies "the same event" for ingestion: two tracks launched on
// the same local calendar day with equal keys are duplicates.
type DedupKey struct {
	OriginCountry string
	TargetCountry string
	Kind          Kind
}

// NewDedupKey normalises country labels so lookups are case-insensitive.
func NewDedupKey(origin, target string, kind Kind) DedupKey {
	return DedupKey{
		OriginCountry: strings.ToLower(strings.TrimSpace(origin)),
		TargetCountry: strings.ToLower(strings.TrimSpace(target)),
		Kind:          kind,
	}
}

// DedupKey returns the track's dedup key.
func (t *Track) DedupKey() DedupKey {
	return NewDedupKey(t.OriginCountry, t.TargetCountry, t.Kind)
}

// Matches reports whether t carries key k.
func (k DedupKey) Matches(t *Track) bool {
	return t != nil && t.DedupKey() == k
}

// DayString renders k scoped to the calendar day containing day, e.g.
// "2025-06-13|iran|israel|ballistic".
func (k DedupKey) DayString(day time.Time) string {
	return day.Format("2006-01-02") + "|" + k.OriginCountry + "|" + k.TargetCountry + "|" + string(k.Kind)
}

// DayBounds returns [start, end) of the calendar day containing t in t's
// own location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

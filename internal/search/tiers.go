package search

import "time"

// Tier is one (radius, duration) step of the search escalation policy.
type Tier struct {
	RadiusMeters int
	Duration     time.Duration
}

// DefaultTiers is the production escalation policy: radii strictly increase
// and every tier gets a fixed time box before the search widens.
func DefaultTiers() []Tier {
	return []Tier{
		{RadiusMeters: 2000, Duration: 120 * time.Second},
		{RadiusMeters: 5000, Duration: 180 * time.Second},
		{RadiusMeters: 10000, Duration: 300 * time.Second},
	}
}

// DefaultRetryDelay is how long an unmatched job waits before the retry
// sweep may requeue it.
const DefaultRetryDelay = time.Hour

// Package geo provides technician discovery around a point: the lookup port
// the search dispatcher queries per tier, its Redis GEOSEARCH adapter, and
// the presence writer that keeps the geo sets in sync with technician
// online status and location.
package geo

import "context"

// Candidate is a read-only projection of a technician near a job. It is
// recomputed on every tier and never persisted.
type Candidate struct {
	ID             string
	DistanceMeters float64
}

// Lookup finds online, service-matching technicians within a radius of a
// point, ordered by ascending distance. Ids in exclude are filtered out.
// An empty result is not an error.
type Lookup interface {
	FindCandidates(ctx context.Context, lat, lng, radiusMeters float64, serviceID string, exclude map[string]struct{}) ([]Candidate, error)
}

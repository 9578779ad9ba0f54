package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// geoKey is the per-service-category geo set holding the positions of online
// technicians. Presence adds members when a technician comes online or moves
// and removes them on offline, so a GEOSEARCH against the key only ever sees
// available technicians.
func geoKey(serviceID string) string {
	return "geo:technicians:" + serviceID
}

// RedisLookup implements Lookup with a Redis GEOSEARCH per tier query.
type RedisLookup struct {
	rdb *redis.Client
}

// NewRedisLookup returns a RedisLookup backed by rdb.
func NewRedisLookup(rdb *redis.Client) *RedisLookup {
	return &RedisLookup{rdb: rdb}
}

var _ Lookup = (*RedisLookup)(nil)

// FindCandidates runs GEOSEARCH BYRADIUS ASC against the service category's
// geo set and filters out excluded ids client-side. Distances come back in
// meters straight from Redis.
func (l *RedisLookup) FindCandidates(ctx context.Context, lat, lng, radiusMeters float64, serviceID string, exclude map[string]struct{}) ([]Candidate, error) {
	locs, err := l.rdb.GeoSearchLocation(ctx, geoKey(serviceID), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", geoKey(serviceID), err)
	}

	candidates := make([]Candidate, 0, len(locs))
	for _, loc := range locs {
		if _, skip := exclude[loc.Name]; skip {
			continue
		}
		candidates = append(candidates, Candidate{ID: loc.Name, DistanceMeters: loc.Dist})
	}
	return candidates, nil
}

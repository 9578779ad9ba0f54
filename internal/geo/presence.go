package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Technician is the presence-relevant slice of a technician row.
type Technician struct {
	ID                 string     `json:"id"`
	IsOnline           bool       `json:"isOnline"`
	Lat                *float64   `json:"lat"`
	Lng                *float64   `json:"lng"`
	ServiceIDs         []string   `json:"serviceIds"`
	LastLocationUpdate *time.Time `json:"lastLocationUpdate"`
}

// Presence keeps technician availability in two places: PostgreSQL holds the
// durable record, and the per-service Redis geo sets hold the live positions
// the dispatcher queries. PostgreSQL is written first; a technician missing
// from the geo sets merely goes undiscovered until the next update.
type Presence struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewPresence returns a configured Presence.
func NewPresence(pool *pgxpool.Pool, rdb *redis.Client) *Presence {
	return &Presence{pool: pool, rdb: rdb}
}

// UpdateLocation stores the technician's position and, when they are online,
// refreshes their entry in every geo set for their service categories.
func (p *Presence) UpdateLocation(ctx context.Context, technicianID string, lat, lng float64) (*Technician, error) {
	t, err := p.update(ctx,
		`UPDATE technicians
		 SET lat = $2, lng = $3, last_location_update = NOW()
		 WHERE id = $1
		 RETURNING id, is_online, lat, lng, service_ids, last_location_update`,
		technicianID, lat, lng,
	)
	if err != nil {
		return nil, err
	}

	if t.IsOnline {
		for _, svc := range t.ServiceIDs {
			if err := p.rdb.GeoAdd(ctx, geoKey(svc), &redis.GeoLocation{
				Name:      t.ID,
				Longitude: lng,
				Latitude:  lat,
			}).Err(); err != nil {
				return nil, fmt.Errorf("geoadd %s: %w", geoKey(svc), err)
			}
		}
	}
	return t, nil
}

// SetOnline flips the technician's availability. Coming online publishes the
// last known position into the geo sets; going offline removes it so no new
// job offers are routed to the technician.
func (p *Presence) SetOnline(ctx context.Context, technicianID string, online bool) (*Technician, error) {
	t, err := p.update(ctx,
		`UPDATE technicians
		 SET is_online = $2
		 WHERE id = $1
		 RETURNING id, is_online, lat, lng, service_ids, last_location_update`,
		technicianID, online,
	)
	if err != nil {
		return nil, err
	}

	for _, svc := range t.ServiceIDs {
		if online {
			if t.Lat == nil || t.Lng == nil {
				continue // no known position yet; discoverable after first location update
			}
			err = p.rdb.GeoAdd(ctx, geoKey(svc), &redis.GeoLocation{
				Name:      t.ID,
				Longitude: *t.Lng,
				Latitude:  *t.Lat,
			}).Err()
		} else {
			err = p.rdb.ZRem(ctx, geoKey(svc), t.ID).Err()
		}
		if err != nil {
			return nil, fmt.Errorf("update geo set %s: %w", geoKey(svc), err)
		}
	}
	return t, nil
}

// ErrTechnicianNotFound is returned when no technician row matches the id.
var ErrTechnicianNotFound = fmt.Errorf("technician not found")

func (p *Presence) update(ctx context.Context, sql string, args ...any) (*Technician, error) {
	var t Technician
	err := p.pool.QueryRow(ctx, sql, args...).Scan(
		&t.ID, &t.IsOnline, &t.Lat, &t.Lng, &t.ServiceIDs, &t.LastLocationUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTechnicianNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update technician: %w", err)
	}
	return &t, nil
}

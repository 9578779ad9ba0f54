// Package notify records and delivers one-way user notifications.
//
// A notification is durably inserted into PostgreSQL (the user's inbox) and
// then published on a per-user Redis channel for any connected gateway to
// forward in real time. The publish is best-effort: a missing subscriber or
// a Redis hiccup never fails the insert.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Notification is one inbox entry.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data"`
	IsRead    bool            `json:"isRead"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Service implements notification recording, fan-out and inbox queries.
type Service struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewService returns a configured Service.
func NewService(pool *pgxpool.Pool, rdb *redis.Client) *Service {
	return &Service{pool: pool, rdb: rdb}
}

// channel is the per-user pub/sub channel gateways subscribe to.
func channel(userID string) string {
	return "notifications:" + userID
}

// Notify inserts the notification and publishes it to the user's channel.
// The caller decides whether an insert failure is fatal; for the dispatcher
// it never is.
func (s *Service) Notify(ctx context.Context, userID, kind, title, body string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}

	var n Notification
	err = s.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, kind, title, body, data)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING id, user_id, kind, title, body, data, is_read, created_at`,
		userID, kind, title, body, string(payload),
	).Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Data, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	event, _ := json.Marshal(n)
	if err := s.rdb.Publish(ctx, channel(userID), event).Err(); err != nil {
		slog.Warn("publish notification failed", "userId", userID, "kind", kind, "err", err)
	}

	return nil
}

// List returns the user's notifications, newest first, with pagination.
// When unreadOnly is set, read entries are filtered out.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	const base = `
		SELECT id, user_id, kind, title, body, data, is_read, created_at
		FROM notifications
		WHERE user_id = $1`

	var (
		rows pgx.Rows
		err  error
	)
	if unreadOnly {
		rows, err = s.pool.Query(ctx, base+` AND is_read = false ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, base+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadCount returns how many unread notifications the user has.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = false`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`,
		notificationID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user as read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE user_id = $1 AND is_read = false`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"stemAttendanceAPI/internal/attendance"
)

// GetEvent reads an event from the directory. Missing events return
// ErrNotFound; inactive events are returned with Active set to false.
func (s *Store) GetEvent(ctx context.Context, eventID int64) (*attendance.Event, error) {
	var ev attendance.Event
	err := s.db.QueryRow(ctx, `
		SELECT id, title, active, scheduled_at
		FROM events
		WHERE id = $1
	`, eventID).Scan(&ev.ID, &ev.Title, &ev.Active, &ev.ScheduledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

func (s *Store) IsInscribed(ctx context.Context, userID, eventID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM inscriptions WHERE user_id = $1 AND event_id = $2)
	`, userID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check inscription: %w", err)
	}
	return exists, nil
}

func (s *Store) UserRole(ctx context.Context, userID int64) (string, error) {
	var role string
	err := s.db.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get user role: %w", err)
	}
	return role, nil
}

// ClerkUser resolves a Clerk subject to the internal user id and role.
func (s *Store) ClerkUser(ctx context.Context, clerkID string) (int64, string, error) {
	var (
		id   int64
		role string
	)
	err := s.db.QueryRow(ctx, `SELECT id, role FROM users WHERE clerk_id = $1`, clerkID).Scan(&id, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("failed to get user by clerk_id: %w", err)
	}
	return id, role, nil
}

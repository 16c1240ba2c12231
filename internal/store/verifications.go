package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"stemAttendanceAPI/internal/attendance"
)

// InsertVerification records v. The row is written only while v.TokenID is
// the active token of an active event; otherwise ErrTokenNotActive is
// returned. A concurrent verification for the same (event, user) pair
// surfaces as ErrDuplicateVerification.
func (s *Store) InsertVerification(ctx context.Context, v *attendance.Verification) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO attendance_verifications (id, event_id, user_id, token_id, verified_at)
		SELECT $1::uuid, $2::bigint, $3::bigint, $4::uuid, $5::timestamptz
		WHERE EXISTS (
			SELECT 1
			FROM checkin_tokens t
			JOIN events e ON e.id = t.event_id
			WHERE t.id = $4::uuid AND t.event_id = $2::bigint AND t.active AND e.active
		)
	`, v.ID, v.EventID, v.UserID, v.TokenID, v.VerifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVerification
		}
		return fmt.Errorf("failed to insert verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotActive
	}
	return nil
}

func (s *Store) HasVerification(ctx context.Context, eventID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM attendance_verifications WHERE event_id = $1 AND user_id = $2)
	`, eventID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check verification: %w", err)
	}
	return exists, nil
}

// ListVerifications returns the event's verifications with attendee identity,
// newest first.
func (s *Store) ListVerifications(ctx context.Context, eventID int64) ([]attendance.VerificationEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT av.id, av.event_id, av.user_id, av.token_id, av.verified_at,
		       u.name, u.email, t.issued_at
		FROM attendance_verifications av
		JOIN users u ON u.id = av.user_id
		JOIN checkin_tokens t ON t.id = av.token_id
		WHERE av.event_id = $1
		ORDER BY av.verified_at DESC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()

	entries := make([]attendance.VerificationEntry, 0)
	for rows.Next() {
		var e attendance.VerificationEntry
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.UserID,
			&e.TokenID,
			&e.VerifiedAt,
			&e.Attendee.Name,
			&e.Attendee.Email,
			&e.TokenIssuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListUserVerifications returns a user's own verifications with event
// context, newest first.
func (s *Store) ListUserVerifications(ctx context.Context, userID int64) ([]attendance.UserVerification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT av.id, av.event_id, av.user_id, av.token_id, av.verified_at,
		       e.title, e.scheduled_at
		FROM attendance_verifications av
		JOIN events e ON e.id = av.event_id
		WHERE av.user_id = $1
		ORDER BY av.verified_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user verifications: %w", err)
	}
	defer rows.Close()

	entries := make([]attendance.UserVerification, 0)
	for rows.Next() {
		var e attendance.UserVerification
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.UserID,
			&e.TokenID,
			&e.VerifiedAt,
			&e.EventTitle,
			&e.EventScheduledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user verification: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CountAttendance returns how many users are inscribed in the event and how
// many of those have a verification.
func (s *Store) CountAttendance(ctx context.Context, eventID int64) (inscribed, verified int64, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(i.id), COUNT(av.id)
		FROM inscriptions i
		LEFT JOIN attendance_verifications av
		       ON av.event_id = i.event_id AND av.user_id = i.user_id
		WHERE i.event_id = $1
	`, eventID).Scan(&inscribed, &verified)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count attendance: %w", err)
	}
	return inscribed, verified, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

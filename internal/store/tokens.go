package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stemAttendanceAPI/internal/attendance"
)

const tokenColumns = `id, event_id, payload, active, issued_by, issued_at, deactivated_at`

// lockEventTokens takes the per-event advisory lock shared by every write to an
// event's tokens. It is released when tx ends.
func lockEventTokens(ctx context.Context, tx pgx.Tx, eventID int64) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('checkin_tokens:' || $1::bigint::text, 0))`, eventID)
	if err != nil {
		return fmt.Errorf("failed to lock event tokens: %w", err)
	}
	return nil
}

// ReplaceActiveToken retires every active token of the event and inserts tok
// as the new active one. Concurrent calls for the same event are serialized by
// a transaction-scoped advisory lock, so the last commit is the active token.
// It returns ErrEventNotActive, leaving the previous token untouched, when the
// event is closed or gone by the time the lock is held.
func (s *Store) ReplaceActiveToken(ctx context.Context, tok *attendance.CheckInToken) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockEventTokens(ctx, tx, tok.EventID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE checkin_tokens
		SET active = false, deactivated_at = GREATEST($2::timestamptz, issued_at)
		WHERE event_id = $1 AND active
	`, tok.EventID, tok.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous tokens: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO checkin_tokens (id, event_id, payload, active, issued_by, issued_at)
		SELECT $1::uuid, $2::bigint, $3::text, true, $4::bigint, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM events WHERE id = $2::bigint AND active)
	`, tok.ID, tok.EventID, tok.Payload, tok.IssuedBy, tok.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotActive
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit token: %w", err)
	}
	tok.Active = true
	return nil
}

// GetToken looks a token up by event and id, whether active or not.
func (s *Store) GetToken(ctx context.Context, eventID int64, tokenID uuid.UUID) (*attendance.CheckInToken, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM checkin_tokens
		WHERE event_id = $1 AND id = $2
	`, eventID, tokenID)
	return scanToken(row)
}

func (s *Store) GetActiveToken(ctx context.Context, eventID int64) (*attendance.CheckInToken, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM checkin_tokens
		WHERE event_id = $1 AND active
		ORDER BY seq DESC
		LIMIT 1
	`, eventID)
	return scanToken(row)
}

// DeactivateTokens retires the active token of an event. It reports whether
// there was one. It takes the same lock as ReplaceActiveToken so it always
// sees the token a concurrent issuance commits.
func (s *Store) DeactivateTokens(ctx context.Context, eventID int64) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockEventTokens(ctx, tx, eventID); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE checkin_tokens
		SET active = false, deactivated_at = GREATEST(NOW(), issued_at)
		WHERE event_id = $1 AND active
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate tokens: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit deactivation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListTokens returns every token issued for the event, newest first.
func (s *Store) ListTokens(ctx context.Context, eventID int64) ([]attendance.TokenHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.event_id, t.payload, t.active, t.issued_by, t.issued_at, t.deactivated_at,
		       COALESCE(u.name, '')
		FROM checkin_tokens t
		LEFT JOIN users u ON u.id = t.issued_by
		WHERE t.event_id = $1
		ORDER BY t.seq DESC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	entries := make([]attendance.TokenHistoryEntry, 0)
	for rows.Next() {
		var e attendance.TokenHistoryEntry
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.Payload,
			&e.Active,
			&e.IssuedBy,
			&e.IssuedAt,
			&e.DeactivatedAt,
			&e.IssuedByName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanToken(row pgx.Row) (*attendance.CheckInToken, error) {
	var tok attendance.CheckInToken
	err := row.Scan(
		&tok.ID,
		&tok.EventID,
		&tok.Payload,
		&tok.Active,
		&tok.IssuedBy,
		&tok.IssuedAt,
		&tok.DeactivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	return &tok, nil
}

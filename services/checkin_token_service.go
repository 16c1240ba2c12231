package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stemAttendanceAPI/internal/attendance"
	"stemAttendanceAPI/internal/store"
)

type EventDirectory interface {
	GetEvent(ctx context.Context, eventID int64) (*attendance.Event, error)
}

type TokenStore interface {
	ReplaceActiveToken(ctx context.Context, tok *attendance.CheckInToken) error
	GetToken(ctx context.Context, eventID int64, tokenID uuid.UUID) (*attendance.CheckInToken, error)
	GetActiveToken(ctx context.Context, eventID int64) (*attendance.CheckInToken, error)
	DeactivateTokens(ctx context.Context, eventID int64) (bool, error)
	ListTokens(ctx context.Context, eventID int64) ([]attendance.TokenHistoryEntry, error)
}

// Renderer turns a token payload into a scannable image.
type Renderer interface {
	Render(payload string) ([]byte, error)
	RenderBase64(payload string) (string, error)
}

// CheckInTokenService issues, retires and validates event check-in tokens.
type CheckInTokenService struct {
	events   EventDirectory
	tokens   TokenStore
	renderer Renderer
	logger   *zap.Logger
	now      func() time.Time
}

func NewCheckInTokenService(events EventDirectory, tokens TokenStore, renderer Renderer, logger *zap.Logger) *CheckInTokenService {
	return &CheckInTokenService{
		events:   events,
		tokens:   tokens,
		renderer: renderer,
		logger:   logger,
		now:      time.Now,
	}
}

// IssueToken creates a new active token for the event, retiring the previous
// one. The event must exist and be active.
func (s *CheckInTokenService) IssueToken(ctx context.Context, eventID, issuerID int64) (*attendance.IssuedToken, error) {
	ev, err := s.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.Active {
		return nil, attendance.ErrEventNotFound
	}

	tokenID := uuid.New()
	issuedAt := s.now().UTC()

	payload, err := attendance.NewPayload(eventID, tokenID, issuedAt).Encode()
	if err != nil {
		return nil, err
	}

	tok := &attendance.CheckInToken{
		ID:       tokenID,
		EventID:  eventID,
		Payload:  payload,
		IssuedBy: issuerID,
		IssuedAt: issuedAt,
	}
	if err := s.tokens.ReplaceActiveToken(ctx, tok); err != nil {
		if errors.Is(err, store.ErrEventNotActive) {
			return nil, attendance.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	tokensIssuedTotal.Inc()

	s.logger.Info("check-in token issued",
		zap.Int64("event_id", eventID),
		zap.Int64("issued_by", issuerID),
		zap.String("token_id", tokenID.String()),
	)

	return s.withImage(tok)
}

// RenderScannable returns the PNG image for a token's payload.
func (s *CheckInTokenService) RenderScannable(tok *attendance.CheckInToken) ([]byte, error) {
	return s.renderer.Render(tok.Payload)
}

// GetActiveToken returns the event's active token with a freshly rendered
// image, or ErrTokenNotFound when there is none.
func (s *CheckInTokenService) GetActiveToken(ctx context.Context, eventID int64) (*attendance.IssuedToken, error) {
	tok, err := s.tokens.GetActiveToken(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, attendance.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get active token: %w", err)
	}
	return s.withImage(tok)
}

// DeactivateToken retires the event's active token. It reports false when
// there was nothing to retire.
func (s *CheckInTokenService) DeactivateToken(ctx context.Context, eventID int64) (bool, error) {
	if _, err := s.getEvent(ctx, eventID); err != nil {
		return false, err
	}

	deactivated, err := s.tokens.DeactivateTokens(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate token: %w", err)
	}
	if deactivated {
		s.logger.Info("check-in token deactivated", zap.Int64("event_id", eventID))
	}
	return deactivated, nil
}

func (s *CheckInTokenService) ListTokenHistory(ctx context.Context, eventID int64) ([]attendance.TokenHistoryEntry, error) {
	if _, err := s.getEvent(ctx, eventID); err != nil {
		return nil, err
	}

	history, err := s.tokens.ListTokens(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return history, nil
}

// ValidateScan checks scanned QR data against the active token and the event.
// It never writes.
func (s *CheckInTokenService) ValidateScan(ctx context.Context, raw string) (*attendance.ValidatedToken, error) {
	p, err := attendance.ParsePayload(raw)
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.GetToken(ctx, p.EventID, p.TokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, attendance.ErrTokenInactiveOrUnknown
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if !tok.Active {
		return nil, attendance.ErrTokenInactiveOrUnknown
	}

	ev, err := s.events.GetEvent(ctx, p.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, attendance.ErrEventUnavailable
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if !ev.Active {
		return nil, attendance.ErrEventUnavailable
	}

	return &attendance.ValidatedToken{
		EventID:          ev.ID,
		TokenID:          tok.ID,
		EventTitle:       ev.Title,
		EventScheduledAt: ev.ScheduledAt,
	}, nil
}

func (s *CheckInTokenService) withImage(tok *attendance.CheckInToken) (*attendance.IssuedToken, error) {
	img, err := s.renderer.RenderBase64(tok.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to render token: %w", err)
	}
	return &attendance.IssuedToken{CheckInToken: *tok, ScannableImage: img}, nil
}

func (s *CheckInTokenService) getEvent(ctx context.Context, eventID int64) (*attendance.Event, error) {
	return lookupEvent(ctx, s.events, eventID)
}

func lookupEvent(ctx context.Context, events EventDirectory, eventID int64) (*attendance.Event, error) {
	ev, err := events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, attendance.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

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

type InscriptionRegistry interface {
	IsInscribed(ctx context.Context, userID, eventID int64) (bool, error)
}

type VerificationStore interface {
	HasVerification(ctx context.Context, eventID, userID int64) (bool, error)
	InsertVerification(ctx context.Context, v *attendance.Verification) error
	ListVerifications(ctx context.Context, eventID int64) ([]attendance.VerificationEntry, error)
	ListUserVerifications(ctx context.Context, userID int64) ([]attendance.UserVerification, error)
	CountAttendance(ctx context.Context, eventID int64) (inscribed, verified int64, err error)
}

// ScanValidator checks scanned QR data. CheckInTokenService implements it.
type ScanValidator interface {
	ValidateScan(ctx context.Context, raw string) (*attendance.ValidatedToken, error)
}

// EligibilityCache remembers positive eligibility answers. Verifications are
// immutable, so a cached "verified" never goes stale; negatives are never
// cached.
type EligibilityCache interface {
	IsVerified(ctx context.Context, eventID, userID int64) (bool, error)
	MarkVerified(ctx context.Context, eventID, userID int64) error
}

// VerificationPublisher announces committed verifications to other services.
type VerificationPublisher interface {
	PublishVerified(ctx context.Context, msg attendance.VerifiedMessage) error
}

type nopCache struct{}

func (nopCache) IsVerified(context.Context, int64, int64) (bool, error) { return false, nil }
func (nopCache) MarkVerified(context.Context, int64, int64) error        { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishVerified(context.Context, attendance.VerifiedMessage) error { return nil }

// VerificationService records attendance and answers eligibility and
// reporting queries.
type VerificationService struct {
	inscriptions  InscriptionRegistry
	verifications VerificationStore
	events        EventDirectory
	validator     ScanValidator
	cache         EligibilityCache
	publisher     VerificationPublisher
	logger        *zap.Logger
	now           func() time.Time
}

func NewVerificationService(
	inscriptions InscriptionRegistry,
	verifications VerificationStore,
	events EventDirectory,
	validator ScanValidator,
	logger *zap.Logger,
) *VerificationService {
	return &VerificationService{
		inscriptions:  inscriptions,
		verifications: verifications,
		events:        events,
		validator:     validator,
		cache:         nopCache{},
		publisher:     nopPublisher{},
		logger:        logger,
		now:           time.Now,
	}
}

// SetEligibilityCache enables caching of positive eligibility answers.
func (s *VerificationService) SetEligibilityCache(c EligibilityCache) {
	s.cache = c
}

// SetPublisher enables publishing of verification events.
func (s *VerificationService) SetPublisher(p VerificationPublisher) {
	s.publisher = p
}

// Verify validates scanned QR data and records the caller's attendance.
func (s *VerificationService) Verify(ctx context.Context, raw string, userID int64) (*attendance.VerifyResponse, error) {
	vt, err := s.validator.ValidateScan(ctx, raw)
	if err != nil {
		if errors.Is(err, attendance.ErrMalformedToken) || errors.Is(err, attendance.ErrTokenInactiveOrUnknown) {
			verificationsTotal.WithLabelValues(resultInvalidToken).Inc()
		}
		return nil, err
	}

	v, err := s.RecordVerification(ctx, *vt, userID)
	if err != nil {
		return nil, err
	}

	return &attendance.VerifyResponse{
		VerificationID: v.ID,
		EventID:        v.EventID,
		VerifiedAt:     v.VerifiedAt,
		Event:          *vt,
	}, nil
}

// RecordVerification moves (user, event) from not verified to verified. The
// inscription is checked before prior verification. The database uniqueness
// constraint is the final arbiter; losing a race yields ErrAlreadyVerified
// just like the pre-check.
func (s *VerificationService) RecordVerification(ctx context.Context, vt attendance.ValidatedToken, userID int64) (*attendance.Verification, error) {
	inscribed, err := s.inscriptions.IsInscribed(ctx, userID, vt.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to check inscription: %w", err)
	}
	if !inscribed {
		verificationsTotal.WithLabelValues(resultNotInscribed).Inc()
		return nil, attendance.ErrNotInscribed
	}

	exists, err := s.verifications.HasVerification(ctx, vt.EventID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check verification: %w", err)
	}
	if exists {
		verificationsTotal.WithLabelValues(resultAlreadyVerified).Inc()
		return nil, attendance.ErrAlreadyVerified
	}

	v := &attendance.Verification{
		ID:         uuid.New(),
		EventID:    vt.EventID,
		UserID:     userID,
		TokenID:    vt.TokenID,
		VerifiedAt: s.now().UTC(),
	}

	if err := s.verifications.InsertVerification(ctx, v); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateVerification):
			verificationsTotal.WithLabelValues(resultAlreadyVerified).Inc()
			return nil, attendance.ErrAlreadyVerified
		case errors.Is(err, store.ErrTokenNotActive):
			verificationsTotal.WithLabelValues(resultInvalidToken).Inc()
			return nil, attendance.ErrTokenInactiveOrUnknown
		default:
			return nil, fmt.Errorf("failed to record verification: %w", err)
		}
	}
	verificationsTotal.WithLabelValues(resultRecorded).Inc()

	s.logger.Info("attendance verified",
		zap.Int64("event_id", v.EventID),
		zap.Int64("user_id", v.UserID),
		zap.String("token_id", v.TokenID.String()),
	)

	s.afterCommit(ctx, v)
	return v, nil
}

// afterCommit runs the side effects of a committed verification. The
// verification stands regardless of their outcome.
func (s *VerificationService) afterCommit(ctx context.Context, v *attendance.Verification) {
	if err := s.cache.MarkVerified(ctx, v.EventID, v.UserID); err != nil {
		s.logger.Warn("failed to cache verification",
			zap.Int64("event_id", v.EventID),
			zap.Int64("user_id", v.UserID),
			zap.Error(err),
		)
	}

	msg := attendance.VerifiedMessage{
		VerificationID: v.ID,
		EventID:        v.EventID,
		UserID:         v.UserID,
		TokenID:        v.TokenID,
		VerifiedAt:     v.VerifiedAt,
	}
	if err := s.publisher.PublishVerified(ctx, msg); err != nil {
		s.logger.Warn("failed to publish verification",
			zap.String("verification_id", v.ID.String()),
			zap.Error(err),
		)
	}
}

// HasVerifiedAttendance reports whether the user has a verification for the
// event.
func (s *VerificationService) HasVerifiedAttendance(ctx context.Context, userID, eventID int64) (bool, error) {
	cached, err := s.cache.IsVerified(ctx, eventID, userID)
	if err != nil {
		s.logger.Warn("eligibility cache read failed", zap.Error(err))
	} else if cached {
		return true, nil
	}

	verified, err := s.verifications.HasVerification(ctx, eventID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check verification: %w", err)
	}

	if verified {
		if err := s.cache.MarkVerified(ctx, eventID, userID); err != nil {
			s.logger.Warn("failed to cache verification", zap.Error(err))
		}
	}
	return verified, nil
}

// CanEvaluate reports whether the user may submit the post-event evaluation.
func (s *VerificationService) CanEvaluate(ctx context.Context, eventID, userID int64) (*attendance.EligibilityResponse, error) {
	ev, err := lookupEvent(ctx, s.events, eventID)
	if err != nil {
		return nil, err
	}

	verified, err := s.HasVerifiedAttendance(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	return &attendance.EligibilityResponse{
		EventID:          ev.ID,
		EventTitle:       ev.Title,
		EventScheduledAt: ev.ScheduledAt,
		CanEvaluate:      verified,
	}, nil
}

func (s *VerificationService) ListVerifications(ctx context.Context, eventID int64) ([]attendance.VerificationEntry, error) {
	if _, err := lookupEvent(ctx, s.events, eventID); err != nil {
		return nil, err
	}

	entries, err := s.verifications.ListVerifications(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	return entries, nil
}

func (s *VerificationService) ListUserVerifications(ctx context.Context, userID int64) ([]attendance.UserVerification, error) {
	entries, err := s.verifications.ListUserVerifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user verifications: %w", err)
	}
	return entries, nil
}

func (s *VerificationService) ComputeAttendanceStats(ctx context.Context, eventID int64) (*attendance.Stats, error) {
	if _, err := lookupEvent(ctx, s.events, eventID); err != nil {
		return nil, err
	}

	inscribed, verified, err := s.verifications.CountAttendance(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attendance: %w", err)
	}
	return attendance.NewStats(eventID, inscribed, verified), nil
}

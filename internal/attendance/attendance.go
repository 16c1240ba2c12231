package attendance

import (
	"time"

	"github.com/google/uuid"
)

// Event is the subset of an event this service reads. Events are owned by the
// event directory; nothing here mutates them.
type Event struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Active      bool      `json:"active" db:"active"`
	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
}

// CheckInToken is an issued check-in secret. At most one token per event is
// active; superseded tokens are kept for history.
type CheckInToken struct {
	ID            uuid.UUID  `json:"token_id" db:"id"`
	EventID       int64      `json:"event_id" db:"event_id"`
	Payload       string     `json:"payload" db:"payload"`
	Active        bool       `json:"active" db:"active"`
	IssuedBy      int64      `json:"issued_by" db:"issued_by"`
	IssuedAt      time.Time  `json:"issued_at" db:"issued_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// IssuedToken is a token together with its rendered QR image.
type IssuedToken struct {
	CheckInToken
	ScannableImage string `json:"scannable_image"`
}

type TokenHistoryEntry struct {
	CheckInToken
	IssuedByName string `json:"issued_by_name"`
}

// ValidatedToken is the result of a successful scan validation. It carries
// enough event context for a confirmation screen.
type ValidatedToken struct {
	EventID          int64     `json:"event_id"`
	TokenID          uuid.UUID `json:"token_id"`
	EventTitle       string    `json:"event_title"`
	EventScheduledAt time.Time `json:"event_scheduled_at"`
}

// Verification records that a user redeemed an active token. Immutable.
type Verification struct {
	ID         uuid.UUID `json:"verification_id" db:"id"`
	EventID    int64     `json:"event_id" db:"event_id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	TokenID    uuid.UUID `json:"token_id" db:"token_id"`
	VerifiedAt time.Time `json:"verified_at" db:"verified_at"`
}

type Attendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type VerificationEntry struct {
	Verification
	Attendee      Attendee  `json:"attendee"`
	TokenIssuedAt time.Time `json:"token_issued_at"`
}

type UserVerification struct {
	Verification
	EventTitle       string    `json:"event_title"`
	EventScheduledAt time.Time `json:"event_scheduled_at"`
}

// Stats summarizes attendance for one event.
type Stats struct {
	EventID        int64   `json:"event_id"`
	InscribedCount int64   `json:"inscribed_count"`
	VerifiedCount  int64   `json:"verified_count"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// NewStats derives the attendance rate. The rate is 0 when nobody is inscribed.
func NewStats(eventID, inscribed, verified int64) *Stats {
	s := &Stats{
		EventID:        eventID,
		InscribedCount: inscribed,
		VerifiedCount:  verified,
	}
	if inscribed > 0 {
		s.AttendanceRate = float64(verified) / float64(inscribed)
	}
	return s
}

// VerifiedMessage is published after a verification commits.
type VerifiedMessage struct {
	VerificationID uuid.UUID `json:"verification_id"`
	EventID        int64     `json:"event_id"`
	UserID         int64     `json:"user_id"`
	TokenID        uuid.UUID `json:"token_id"`
	VerifiedAt     time.Time `json:"verified_at"`
}

type IssueTokenRequest struct {
	EventID int64 `json:"event_id"`
}

type ScanRequest struct {
	QRData string `json:"qr_data"`
}

type VerifyResponse struct {
	VerificationID uuid.UUID      `json:"verification_id"`
	EventID        int64          `json:"event_id"`
	VerifiedAt     time.Time      `json:"verified_at"`
	Event          ValidatedToken `json:"event"`
}

type DeactivateResponse struct {
	Deactivated bool `json:"deactivated"`
}

// EligibilityResponse answers whether a user may evaluate an event, with
// enough event context for the client to label the answer.
type EligibilityResponse struct {
	EventID          int64     `json:"event_id"`
	EventTitle       string    `json:"event_title"`
	EventScheduledAt time.Time `json:"event_scheduled_at"`
	CanEvaluate      bool      `json:"can_evaluate"`
}

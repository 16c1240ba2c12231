package attendance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PayloadType = "attendance_verification"

	maxPayloadLen = 2048
)

// Payload is what gets encoded into the QR image. It identifies the event and
// the token secret and never carries attendee data.
type Payload struct {
	Type     string    `json:"type"`
	EventID  int64     `json:"event_id"`
	TokenID  uuid.UUID `json:"token_id"`
	IssuedAt time.Time `json:"issued_at"`
}

func NewPayload(eventID int64, tokenID uuid.UUID, issuedAt time.Time) Payload {
	return Payload{
		Type:     PayloadType,
		EventID:  eventID,
		TokenID:  tokenID,
		IssuedAt: issuedAt.UTC(),
	}
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// ParsePayload decodes scanned QR data. Every failure wraps ErrMalformedToken.
func ParsePayload(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedToken)
	}
	if len(raw) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload too large", ErrMalformedToken)
	}

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if p.Type != "" && p.Type != PayloadType {
		return nil, fmt.Errorf("%w: unexpected payload type %q", ErrMalformedToken, p.Type)
	}
	if p.EventID <= 0 {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedToken)
	}
	if p.TokenID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing token_id", ErrMalformedToken)
	}
	return &p, nil
}

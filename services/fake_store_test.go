package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stemAttendanceAPI/internal/attendance"
	"stemAttendanceAPI/internal/store"
)

type pair struct{ a, b int64 }

// fakeStore is an in-memory stand-in for store.Store that enforces the same
// rules the database does: one active token per event, one verification per
// (event, user) and verification only against an active token of an active
// event.
type fakeStore struct {
	mu            sync.Mutex
	events        map[int64]*attendance.Event
	inscriptions  map[pair]bool // user, event
	tokens        []*attendance.CheckInToken
	verifications map[pair]*attendance.Verification // event, user
	users         map[int64]attendance.Attendee

	// skipPrecheck makes HasVerification always miss so the insert path has
	// to detect duplicates.
	skipPrecheck bool
	err          error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:        make(map[int64]*attendance.Event),
		inscriptions:  make(map[pair]bool),
		verifications: make(map[pair]*attendance.Verification),
		users:         make(map[int64]attendance.Attendee),
	}
}

func (f *fakeStore) addEvent(id int64, title string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = &attendance.Event{
		ID:          id,
		Title:       title,
		Active:      active,
		ScheduledAt: time.Date(2026, 4, 20, 17, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) setEventActive(id int64, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id].Active = active
}

func (f *fakeStore) inscribe(userID, eventID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inscriptions[pair{userID, eventID}] = true
	f.users[userID] = attendance.Attendee{Name: "user", Email: "user@example.com"}
}

func (f *fakeStore) countVerifications(eventID, userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.verifications[pair{eventID, userID}]; ok {
		return 1
	}
	return 0
}

func (f *fakeStore) activeTokens(eventID int64) []*attendance.CheckInToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*attendance.CheckInToken
	for _, t := range f.tokens {
		if t.EventID == eventID && t.Active {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStore) lastToken(eventID int64) *attendance.CheckInToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.tokens) - 1; i >= 0; i-- {
		if f.tokens[i].EventID == eventID {
			return f.tokens[i]
		}
	}
	return nil
}

func (f *fakeStore) GetEvent(_ context.Context, eventID int64) (*attendance.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeStore) ReplaceActiveToken(_ context.Context, tok *attendance.CheckInToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.events[tok.EventID]; !ok || !ev.Active {
		return store.ErrEventNotActive
	}
	now := time.Now()
	for _, t := range f.tokens {
		if t.EventID == tok.EventID && t.Active {
			t.Active = false
			t.DeactivatedAt = &now
		}
	}
	tok.Active = true
	cp := *tok
	f.tokens = append(f.tokens, &cp)
	return nil
}

func (f *fakeStore) GetToken(_ context.Context, eventID int64, tokenID uuid.UUID) (*attendance.CheckInToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.EventID == eventID && t.ID == tokenID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetActiveToken(_ context.Context, eventID int64) (*attendance.CheckInToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.tokens) - 1; i >= 0; i-- {
		if t := f.tokens[i]; t.EventID == eventID && t.Active {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeactivateTokens(_ context.Context, eventID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var found bool
	for _, t := range f.tokens {
		if t.EventID == eventID && t.Active {
			t.Active = false
			t.DeactivatedAt = &now
			found = true
		}
	}
	return found, nil
}

func (f *fakeStore) ListTokens(_ context.Context, eventID int64) ([]attendance.TokenHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]attendance.TokenHistoryEntry, 0)
	for i := len(f.tokens) - 1; i >= 0; i-- {
		if t := f.tokens[i]; t.EventID == eventID {
			entries = append(entries, attendance.TokenHistoryEntry{CheckInToken: *t, IssuedByName: "organizer"})
		}
	}
	return entries, nil
}

func (f *fakeStore) IsInscribed(_ context.Context, userID, eventID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.inscriptions[pair{userID, eventID}], nil
}

func (f *fakeStore) HasVerification(_ context.Context, eventID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skipPrecheck {
		return false, nil
	}
	_, ok := f.verifications[pair{eventID, userID}]
	return ok, nil
}

func (f *fakeStore) InsertVerification(_ context.Context, v *attendance.Verification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.verifications[pair{v.EventID, v.UserID}]; ok {
		return store.ErrDuplicateVerification
	}

	var tokenActive bool
	for _, t := range f.tokens {
		if t.ID == v.TokenID && t.EventID == v.EventID && t.Active {
			tokenActive = true
		}
	}
	ev, ok := f.events[v.EventID]
	if !tokenActive || !ok || !ev.Active {
		return store.ErrTokenNotActive
	}

	cp := *v
	f.verifications[pair{v.EventID, v.UserID}] = &cp
	return nil
}

func (f *fakeStore) ListVerifications(_ context.Context, eventID int64) ([]attendance.VerificationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]attendance.VerificationEntry, 0)
	for k, v := range f.verifications {
		if k.a == eventID {
			entries = append(entries, attendance.VerificationEntry{Verification: *v, Attendee: f.users[v.UserID]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].VerifiedAt.After(entries[j].VerifiedAt) })
	return entries, nil
}

func (f *fakeStore) ListUserVerifications(_ context.Context, userID int64) ([]attendance.UserVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]attendance.UserVerification, 0)
	for k, v := range f.verifications {
		if k.b == userID {
			entries = append(entries, attendance.UserVerification{Verification: *v, EventTitle: f.events[k.a].Title})
		}
	}
	return entries, nil
}

func (f *fakeStore) CountAttendance(_ context.Context, eventID int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inscribed, verified int64
	for k := range f.inscriptions {
		if k.b != eventID {
			continue
		}
		inscribed++
		if _, ok := f.verifications[pair{eventID, k.a}]; ok {
			verified++
		}
	}
	return inscribed, verified, nil
}

type memoryCache struct {
	mu       sync.Mutex
	verified map[pair]bool
	err      error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{verified: make(map[pair]bool)}
}

func (c *memoryCache) IsVerified(_ context.Context, eventID, userID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.verified[pair{eventID, userID}], nil
}

func (c *memoryCache) MarkVerified(_ context.Context, eventID, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.verified[pair{eventID, userID}] = true
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []attendance.VerifiedMessage
	err  error
}

func (p *recordingPublisher) PublishVerified(_ context.Context, msg attendance.VerifiedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

var errBoom = errors.New("boom")

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stemAttendanceAPI/internal/attendance"
	"stemAttendanceAPI/internal/qr"
)

const (
	userU1 int64 = 11
	userU2 int64 = 12
	userU3 int64 = 13
)

type verificationFixture struct {
	tokens *CheckInTokenService
	svc    *VerificationService
	store  *fakeStore
}

func newVerificationFixture(t *testing.T) *verificationFixture {
	t.Helper()
	fs := newFakeStore()
	fs.addEvent(eventE1, "Intro to Circuits", true)
	tokens := NewCheckInTokenService(fs, fs, qr.NewRenderer(0), zap.NewNop())
	return &verificationFixture{
		tokens: tokens,
		svc:    NewVerificationService(fs, fs, fs, tokens, zap.NewNop()),
		store:  fs,
	}
}

func (f *verificationFixture) validToken(t *testing.T) (*attendance.IssuedToken, attendance.ValidatedToken) {
	t.Helper()
	tok, err := f.tokens.IssueToken(context.Background(), eventE1, organizer)
	require.NoError(t, err)
	vt, err := f.tokens.ValidateScan(context.Background(), tok.Payload)
	require.NoError(t, err)
	return tok, *vt
}

func TestRecordVerification_ThenAlreadyVerified(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	tok, vt := f.validToken(t)

	v, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", v.ID.String())
	assert.Equal(t, eventE1, v.EventID)
	assert.Equal(t, userU1, v.UserID)
	assert.Equal(t, tok.ID, v.TokenID)
	assert.False(t, v.VerifiedAt.IsZero())

	_, err = f.svc.RecordVerification(ctx, vt, userU1)
	assert.ErrorIs(t, err, attendance.ErrAlreadyVerified)
	assert.Equal(t, 1, f.store.countVerifications(eventE1, userU1))
}

func TestRecordVerification_NotInscribed(t *testing.T) {
	f := newVerificationFixture(t)
	_, vt := f.validToken(t)

	_, err := f.svc.RecordVerification(context.Background(), vt, userU2)
	assert.ErrorIs(t, err, attendance.ErrNotInscribed)
	assert.Equal(t, 0, f.store.countVerifications(eventE1, userU2))
}

func TestRecordVerification_InscriptionCheckedFirst(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	_, stale := f.validToken(t)
	f.validToken(t)

	// Not inscribed and holding a superseded token: the inscription wins.
	_, err := f.svc.RecordVerification(ctx, stale, userU2)
	assert.ErrorIs(t, err, attendance.ErrNotInscribed)
}

func TestRecordVerification_SupersededTokenRejected(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	staleTok, stale := f.validToken(t)
	f.validToken(t)

	_, err := f.svc.RecordVerification(ctx, stale, userU1)
	assert.ErrorIs(t, err, attendance.ErrTokenInactiveOrUnknown)

	_, err = f.svc.Verify(ctx, staleTok.Payload, userU1)
	assert.ErrorIs(t, err, attendance.ErrTokenInactiveOrUnknown)
	assert.Equal(t, 0, f.store.countVerifications(eventE1, userU1))
}

func TestRecordVerification_EventClosedAfterValidation(t *testing.T) {
	f := newVerificationFixture(t)
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)
	f.store.setEventActive(eventE1, false)

	_, err := f.svc.RecordVerification(context.Background(), vt, userU1)
	assert.ErrorIs(t, err, attendance.ErrTokenInactiveOrUnknown)
}

func TestRecordVerification_InsertConflictMapsToAlreadyVerified(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)
	f.store.skipPrecheck = true

	_, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)

	_, err = f.svc.RecordVerification(ctx, vt, userU1)
	assert.ErrorIs(t, err, attendance.ErrAlreadyVerified)
}

func TestRecordVerification_ConcurrentScansRecordOnce(t *testing.T) {
	for _, skip := range []bool{false, true} {
		name := "with pre-check"
		if skip {
			name = "insert only"
		}
		t.Run(name, func(t *testing.T) {
			f := newVerificationFixture(t)
			f.store.inscribe(userU3, eventE1)
			_, vt := f.validToken(t)
			f.store.skipPrecheck = skip

			const attempts = 10
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				ok, dup int
			)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.svc.RecordVerification(context.Background(), vt, userU3)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, attendance.ErrAlreadyVerified):
						dup++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, ok)
			assert.Equal(t, attempts-1, dup)
			assert.Equal(t, 1, f.store.countVerifications(eventE1, userU3))
		})
	}
}

func TestRecordVerification_StoreFailureIsOpaque(t *testing.T) {
	f := newVerificationFixture(t)
	_, vt := f.validToken(t)
	f.store.err = errBoom

	_, err := f.svc.RecordVerification(context.Background(), vt, userU1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, attendance.ErrNotInscribed)
}

func TestVerify(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	tok, _ := f.validToken(t)

	resp, err := f.svc.Verify(ctx, tok.Payload, userU1)
	require.NoError(t, err)
	assert.Equal(t, eventE1, resp.EventID)
	assert.Equal(t, "Intro to Circuits", resp.Event.EventTitle)
	assert.Equal(t, tok.ID, resp.Event.TokenID)

	_, err = f.svc.Verify(ctx, "{", userU1)
	assert.ErrorIs(t, err, attendance.ErrMalformedToken)

	_, err = f.svc.Verify(ctx, tok.Payload, userU1)
	assert.ErrorIs(t, err, attendance.ErrAlreadyVerified)
}

func TestAfterCommit_CacheAndPublish(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	cache := newMemoryCache()
	pub := &recordingPublisher{}
	f.svc.SetEligibilityCache(cache)
	f.svc.SetPublisher(pub)
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)

	v, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)

	cached, err := cache.IsVerified(ctx, eventE1, userU1)
	require.NoError(t, err)
	assert.True(t, cached)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, v.ID, pub.msgs[0].VerificationID)
	assert.Equal(t, userU1, pub.msgs[0].UserID)
	assert.Equal(t, vt.TokenID, pub.msgs[0].TokenID)
}

func TestAfterCommit_FailuresDoNotFailVerification(t *testing.T) {
	f := newVerificationFixture(t)
	cache := newMemoryCache()
	cache.err = errBoom
	f.svc.SetEligibilityCache(cache)
	f.svc.SetPublisher(&recordingPublisher{err: errBoom})
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)

	_, err := f.svc.RecordVerification(context.Background(), vt, userU1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.countVerifications(eventE1, userU1))
}

func TestHasVerifiedAttendance(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	cache := newMemoryCache()
	f.svc.SetEligibilityCache(cache)
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)

	for i := 0; i < 2; i++ {
		ok, err := f.svc.HasVerifiedAttendance(ctx, userU1, eventE1)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Empty(t, cache.verified, "negative answers are not cached")

	_, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := f.svc.HasVerifiedAttendance(ctx, userU1, eventE1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestHasVerifiedAttendance_BackfillsCache(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)
	_, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)

	cache := newMemoryCache()
	f.svc.SetEligibilityCache(cache)

	ok, err := f.svc.HasVerifiedAttendance(ctx, userU1, eventE1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cache.verified[pair{eventE1, userU1}])
}

func TestHasVerifiedAttendance_CacheErrorFallsBackToStore(t *testing.T) {
	f := newVerificationFixture(t)
	cache := newMemoryCache()
	cache.err = errBoom
	f.svc.SetEligibilityCache(cache)

	ok, err := f.svc.HasVerifiedAttendance(context.Background(), userU1, eventE1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanEvaluate(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	_, vt := f.validToken(t)

	resp, err := f.svc.CanEvaluate(ctx, eventE1, userU1)
	require.NoError(t, err)
	assert.False(t, resp.CanEvaluate)
	assert.Equal(t, eventE1, resp.EventID)
	assert.Equal(t, "Intro to Circuits", resp.EventTitle)
	assert.Equal(t, time.Date(2026, 4, 20, 17, 0, 0, 0, time.UTC), resp.EventScheduledAt)

	_, err = f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)

	resp, err = f.svc.CanEvaluate(ctx, eventE1, userU1)
	require.NoError(t, err)
	assert.True(t, resp.CanEvaluate)

	_, err = f.svc.CanEvaluate(ctx, 999, userU1)
	assert.ErrorIs(t, err, attendance.ErrEventNotFound)
}

func TestComputeAttendanceStats(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.addEvent(2, "Empty Seminar", true)
	_, vt := f.validToken(t)

	for u := int64(1); u <= 10; u++ {
		f.store.inscribe(1000+u, eventE1)
	}
	for u := int64(1); u <= 4; u++ {
		_, err := f.svc.RecordVerification(ctx, vt, 1000+u)
		require.NoError(t, err)
	}

	stats, err := f.svc.ComputeAttendanceStats(ctx, eventE1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.InscribedCount)
	assert.Equal(t, int64(4), stats.VerifiedCount)
	assert.InDelta(t, 0.4, stats.AttendanceRate, 1e-9)

	empty, err := f.svc.ComputeAttendanceStats(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, empty.InscribedCount)
	assert.Zero(t, empty.AttendanceRate)

	_, err = f.svc.ComputeAttendanceStats(ctx, 999)
	assert.ErrorIs(t, err, attendance.ErrEventNotFound)
}

func TestListVerifications(t *testing.T) {
	f := newVerificationFixture(t)
	ctx := context.Background()
	f.store.inscribe(userU1, eventE1)
	f.store.inscribe(userU2, eventE1)
	_, vt := f.validToken(t)

	_, err := f.svc.RecordVerification(ctx, vt, userU1)
	require.NoError(t, err)
	_, err = f.svc.RecordVerification(ctx, vt, userU2)
	require.NoError(t, err)

	entries, err := f.svc.ListVerifications(ctx, eventE1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "user@example.com", e.Attendee.Email)
	}

	mine, err := f.svc.ListUserVerifications(ctx, userU1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Intro to Circuits", mine[0].EventTitle)

	_, err = f.svc.ListVerifications(ctx, 999)
	assert.ErrorIs(t, err, attendance.ErrEventNotFound)
}

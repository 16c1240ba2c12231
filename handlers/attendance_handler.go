package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stemAttendanceAPI/internal/attendance"
	"stemAttendanceAPI/middleware"
)

const requestTimeout = 5 * time.Second

type TokenService interface {
	IssueToken(ctx context.Context, eventID, issuerID int64) (*attendance.IssuedToken, error)
	GetActiveToken(ctx context.Context, eventID int64) (*attendance.IssuedToken, error)
	DeactivateToken(ctx context.Context, eventID int64) (bool, error)
	ListTokenHistory(ctx context.Context, eventID int64) ([]attendance.TokenHistoryEntry, error)
	ValidateScan(ctx context.Context, raw string) (*attendance.ValidatedToken, error)
}

type VerificationService interface {
	Verify(ctx context.Context, raw string, userID int64) (*attendance.VerifyResponse, error)
	CanEvaluate(ctx context.Context, eventID, userID int64) (*attendance.EligibilityResponse, error)
	ListVerifications(ctx context.Context, eventID int64) ([]attendance.VerificationEntry, error)
	ListUserVerifications(ctx context.Context, userID int64) ([]attendance.UserVerification, error)
	ComputeAttendanceStats(ctx context.Context, eventID int64) (*attendance.Stats, error)
}

type AttendanceHandler struct {
	tokens        TokenService
	verifications VerificationService
	logger        *zap.Logger
}

func NewAttendanceHandler(tokens TokenService, verifications VerificationService, logger *zap.Logger) *AttendanceHandler {
	return &AttendanceHandler{
		tokens:        tokens,
		verifications: verifications,
		logger:        logger,
	}
}

// RegisterRoutes mounts the attendance endpoints on an authenticated router.
func (h *AttendanceHandler) RegisterRoutes(r *mux.Router) {
	organizer := middleware.RequireRole(middleware.RoleOrganizer, middleware.RoleAdmin)
	orgOnly := func(fn http.HandlerFunc) http.Handler { return organizer(fn) }

	r.Handle("/attendance/tokens", orgOnly(h.IssueToken)).Methods("POST")
	r.Handle("/attendance/events/{eventID}/token", orgOnly(h.GetActiveToken)).Methods("GET")
	r.Handle("/attendance/events/{eventID}/token", orgOnly(h.DeactivateToken)).Methods("DELETE")
	r.Handle("/attendance/events/{eventID}/tokens", orgOnly(h.ListTokenHistory)).Methods("GET")
	r.Handle("/attendance/events/{eventID}/verifications", orgOnly(h.ListVerifications)).Methods("GET")
	r.Handle("/attendance/events/{eventID}/stats", orgOnly(h.GetStats)).Methods("GET")

	r.HandleFunc("/attendance/validate", h.ValidateScan).Methods("POST")
	r.HandleFunc("/attendance/verify", h.Verify).Methods("POST")
	r.HandleFunc("/attendance/events/{eventID}/eligibility", h.GetEligibility).Methods("GET")
	r.HandleFunc("/attendance/me/verifications", h.GetMyVerifications).Methods("GET")
}

func (h *AttendanceHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := middleware.GetIdentity(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req attendance.IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EventID <= 0 {
		respondWithError(w, http.StatusBadRequest, "event_id is required")
		return
	}

	tok, err := h.tokens.IssueToken(ctx, req.EventID, id.UserID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to issue check-in token", zap.Int64("event_id", req.EventID))
		return
	}

	respondWithJSON(w, http.StatusCreated, tok)
}

func (h *AttendanceHandler) GetActiveToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	tok, err := h.tokens.GetActiveToken(ctx, eventID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get check-in token", zap.Int64("event_id", eventID))
		return
	}

	respondWithJSON(w, http.StatusOK, tok)
}

func (h *AttendanceHandler) DeactivateToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	deactivated, err := h.tokens.DeactivateToken(ctx, eventID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to deactivate check-in token", zap.Int64("event_id", eventID))
		return
	}

	respondWithJSON(w, http.StatusOK, attendance.DeactivateResponse{Deactivated: deactivated})
}

func (h *AttendanceHandler) ListTokenHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.tokens.ListTokenHistory(ctx, eventID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list check-in tokens", zap.Int64("event_id", eventID))
		return
	}

	respondWithJSON(w, http.StatusOK, history)
}

func (h *AttendanceHandler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	entries, err := h.verifications.ListVerifications(ctx, eventID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list verifications", zap.Int64("event_id", eventID))
		return
	}

	respondWithJSON(w, http.StatusOK, entries)
}

func (h *AttendanceHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	stats, err := h.verifications.ComputeAttendanceStats(ctx, eventID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to compute attendance stats", zap.Int64("event_id", eventID))
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

// ValidateScan previews a scanned code without recording anything.
func (h *AttendanceHandler) ValidateScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req attendance.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vt, err := h.tokens.ValidateScan(ctx, req.QRData)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to validate check-in token")
		return
	}

	respondWithJSON(w, http.StatusOK, vt)
}

func (h *AttendanceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := middleware.GetIdentity(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req attendance.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.verifications.Verify(ctx, req.QRData, id.UserID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to verify attendance", zap.Int64("user_id", id.UserID))
		return
	}

	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *AttendanceHandler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := middleware.GetIdentity(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	eligibility, err := h.verifications.CanEvaluate(ctx, eventID, id.UserID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to check eligibility",
			zap.Int64("event_id", eventID), zap.Int64("user_id", id.UserID))
		return
	}

	respondWithJSON(w, http.StatusOK, eligibility)
}

func (h *AttendanceHandler) GetMyVerifications(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := middleware.GetIdentity(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	entries, err := h.verifications.ListUserVerifications(ctx, id.UserID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list verifications", zap.Int64("user_id", id.UserID))
		return
	}

	respondWithJSON(w, http.StatusOK, entries)
}

// respondWithServiceError maps domain errors to client responses. Anything
// unrecognized is logged and reported as an opaque 500.
func (h *AttendanceHandler) respondWithServiceError(w http.ResponseWriter, err error, internalMsg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, attendance.ErrEventNotFound),
		errors.Is(err, attendance.ErrTokenNotFound):
		respondWithError(w, http.StatusNotFound, publicMessage(err))
	case errors.Is(err, attendance.ErrEventUnavailable),
		errors.Is(err, attendance.ErrMalformedToken),
		errors.Is(err, attendance.ErrTokenInactiveOrUnknown),
		errors.Is(err, attendance.ErrNotInscribed):
		respondWithError(w, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, attendance.ErrAlreadyVerified):
		respondWithError(w, http.StatusConflict, publicMessage(err))
	default:
		h.logger.Error(internalMsg, append(fields, zap.Error(err))...)
		respondWithError(w, http.StatusInternalServerError, internalMsg)
	}
}

// publicMessage drops any wrapped detail so parser internals are not echoed
// back to the client.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		attendance.ErrEventNotFound,
		attendance.ErrTokenNotFound,
		attendance.ErrEventUnavailable,
		attendance.ErrMalformedToken,
		attendance.ErrTokenInactiveOrUnknown,
		attendance.ErrNotInscribed,
		attendance.ErrAlreadyVerified,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	eventID, err := strconv.ParseInt(mux.Vars(r)["eventID"], 10, 64)
	if err != nil || eventID <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid event ID")
		return 0, false
	}
	return eventID, true
}

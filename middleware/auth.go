package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	clerkjwt "github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"stemAttendanceAPI/internal/store"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	RoleUser      = "user"
	RoleOrganizer = "organizer"
	RoleAdmin     = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   string
}

// Authenticator turns a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// UserLookup resolves roles and external subjects against the users table.
// Unknown users are reported as store.ErrNotFound.
type UserLookup interface {
	UserRole(ctx context.Context, userID int64) (string, error)
	ClerkUser(ctx context.Context, clerkID string) (int64, string, error)
}

type accessClaims struct {
	UserID int64  `json:"userId"`
	Type   string `json:"type"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 access tokens issued by the platform's
// account service.
type JWTAuthenticator struct {
	secret []byte
	users  UserLookup
}

func NewJWTAuthenticator(secret string, users UserLookup) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), users: users}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != "access" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role, err = a.users.UserRole(ctx, claims.UserID)
		if err != nil {
			return nil, lookupError("resolve role", err)
		}
	}
	return &Identity{UserID: claims.UserID, Role: role}, nil
}

// ClerkAuthenticator verifies Clerk session tokens and maps the Clerk user to
// the internal user id.
type ClerkAuthenticator struct {
	users  UserLookup
	verify func(ctx context.Context, params *clerkjwt.VerifyParams) (*clerk.SessionClaims, error)
}

func NewClerkAuthenticator(users UserLookup) *ClerkAuthenticator {
	return &ClerkAuthenticator{users: users, verify: clerkjwt.Verify}
}

func (a *ClerkAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	claims, err := a.verify(ctx, &clerkjwt.VerifyParams{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, role, err := a.users.ClerkUser(ctx, claims.Subject)
	if err != nil {
		return nil, lookupError("resolve clerk user", err)
	}
	return &Identity{UserID: userID, Role: role}, nil
}

// lookupError treats a token for a user we do not know as an invalid token.
// Any other failure is passed through as an internal error.
func lookupError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AuthMiddleware requires a valid bearer token and stores the caller's
// Identity in the request context.
func AuthMiddleware(auth Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				respondWithError(w, http.StatusUnauthorized, "Invalid authorization format. Use 'Bearer <token>'")
				return
			}

			id, err := auth.Authenticate(r.Context(), token)
			if errors.Is(err, ErrInvalidToken) {
				log.Info("token verification failed", zap.Error(err))
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			if err != nil {
				log.Error("failed to authenticate request", zap.Error(err))
				respondWithError(w, http.StatusInternalServerError, "Failed to authenticate request")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole lets the request through only when the caller holds one of
// roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r.Context())
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondWithError(w, http.StatusForbidden, "Insufficient permissions")
		})
	}
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity extracts the authenticated caller from context
func GetIdentity(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

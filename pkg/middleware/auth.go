package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/quantipackai/quantipack/pkg/contextkeys"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/users"
)

// ErrAuthNotConfigured is returned by the verifier used when no identity
// provider is configured
var ErrAuthNotConfigured = errors.New("authentication is not configured")

// IdentityVerifier turns a bearer token into the identity it asserts
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, rawToken string) (users.Identity, error)
}

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuerURL and verifies tokens
// issued for clientID
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

type identityClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
}

// VerifyIdentity checks the token signature, issuer, audience and expiry
func (v *OIDCVerifier) VerifyIdentity(ctx context.Context, rawToken string) (users.Identity, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return users.Identity{}, fmt.Errorf("invalid ID token: %w", err)
	}

	var claims identityClaims
	if err := token.Claims(&claims); err != nil {
		return users.Identity{}, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	name := claims.Name
	if name == "" {
		name = claims.Nickname
	}
	return users.Identity{
		Subject:     token.Subject,
		Email:       claims.Email,
		DisplayName: name,
	}, nil
}

// UnconfiguredVerifier rejects every token with ErrAuthNotConfigured
type UnconfiguredVerifier struct{}

// VerifyIdentity always fails
func (UnconfiguredVerifier) VerifyIdentity(ctx context.Context, rawToken string) (users.Identity, error) {
	return users.Identity{}, ErrAuthNotConfigured
}

// AuthMiddleware authenticates bearer ID tokens and loads the caller's user,
// creating it on first login
type AuthMiddleware struct {
	verifier IdentityVerifier
	users    users.Store
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier IdentityVerifier, store users.Store) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		users:    store,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "missing or invalid authorization header")
			return
		}

		identity, err := m.verifier.VerifyIdentity(r.Context(), token)
		if errors.Is(err, ErrAuthNotConfigured) {
			httputil.WriteServiceUnavailable(w, err.Error())
			return
		}
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("Rejected bearer token")
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		user, err := m.users.EnsureUser(r.Context(), identity)
		if errors.Is(err, users.ErrEmptySubject) {
			httputil.WriteUnauthorized(w, "token has no subject")
			return
		}
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("Failed to load user")
			httputil.WriteInternalError(w, err)
			return
		}

		ctx := contextkeys.WithUser(r.Context(), user)
		ctx = contextkeys.WithUserID(ctx, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// UserFromContext returns the authenticated user, or nil outside AuthMiddleware
func UserFromContext(ctx context.Context) *users.User {
	user, _ := ctx.Value(contextkeys.UserKey).(*users.User)
	return user
}

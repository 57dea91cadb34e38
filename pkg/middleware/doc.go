// Package middleware provides the authentication and rate limiting layers of
// the HTTP API.
//
// # Authentication
//
// AuthMiddleware verifies "Authorization: Bearer <id token>" with an
// IdentityVerifier (OIDCVerifier in production), then calls
// users.Store.EnsureUser so first logins create the user and seed the
// entitlement ledger. Handlers read the caller with UserFromContext:
//
//	user := middleware.UserFromContext(r.Context())
//
// Without an identity provider UnconfiguredVerifier makes every protected
// route answer 503.
//
// # Rate Limiting
//
// RateLimitMiddleware applies a fixed window per user id, falling back to
// the client IP for anonymous routes such as the billing webhook. RedisLimiter
// shares the window across instances; MemoryLimiter is used without Redis.
// Limiter failures let the request through.
package middleware

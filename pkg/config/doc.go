// Package config loads service configuration from environment variables.
//
// Variables are read with the QP_ prefix. A .env file in the working directory
// is loaded first when present; variables already set in the process
// environment take precedence over it.
//
// Server:
//
//	QP_HOST="0.0.0.0"
//	QP_PORT="8080"
//	QP_HEALTH_PORT="9090"
//	QP_ALLOWED_ORIGIN="https://app.quantipack.ai"
//
// Database and dedupe store:
//
//	QP_DATABASE_URL="postgres://localhost/quantipack?sslmode=disable"
//	QP_DATABASE_MIGRATE="true"
//	QP_REDIS_URL="redis://localhost:6379/0"  # empty: in-memory dedupe
//	QP_WEBHOOK_DEDUPE_TTL="72h"
//
// Billing and identity:
//
//	QP_STRIPE_SECRET_KEY="sk_live_..."
//	QP_STRIPE_WEBHOOK_SECRET="whsec_..."
//	QP_STRIPE_DEFAULT_PRICE_ID="price_..."
//	QP_FRONTEND_URL="https://app.quantipack.ai"
//	QP_OIDC_ISSUER_URL="https://auth.quantipack.ai"
//	QP_OIDC_CLIENT_ID="dashboard"
//
// Plans and observability:
//
//	QP_PLANS_FILE="plans.yaml"
//	QP_PLANS_WATCH="true"
//	QP_LOG_LEVEL="info"
//	QP_OTEL_ENABLED="false"
package config

// Package postgres opens the service's PostgreSQL and Redis connections and
// owns the embedded schema migrations.
package postgres

// Package users maps external identity subjects to internal users, creating
// the user and seeding their trial entitlements on first login. Every ledger
// operation is keyed by the internal id, never by the subject.
package users

// Package plans maps billing price ids to plan tiers and monthly token
// allotments. The table is operator-provided YAML and must be kept in sync
// with the billing provider's product catalog.
package plans

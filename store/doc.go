// Package store implements trustkit.Storage on PostgreSQL through
// database/sql with the pgx stdlib driver. Schema management is handled
// by embedded goose migrations.
//
// Every multi-row mutation runs inside one transaction or one conditional
// statement so that concurrent callers observe only complete states: a
// user never has two current sessions, a recovery code is consumed by at
// most one caller, and token redemption has exactly one winner.
package store

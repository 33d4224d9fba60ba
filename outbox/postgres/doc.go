// Package postgres implements the outbox repository on PostgreSQL using
// database/sql over the pgx stdlib driver. The outbox_events schema ships
// as embedded golang-migrate migrations.
package postgres

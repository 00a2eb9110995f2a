// Package tradedb provides the relational persistence layer for bots,
// follower subscriptions, trade executions, credit balances and the signal
// audit log.
package tradedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // Calls init function.
)

// lib/pq errorCodeNames
// https://github.com/lib/pq/blob/master/error.go#L178
const uniqueViolation = "23505"

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = sql.ErrNoRows

// Open opens a pooled connection against the DSN and performs a health check
// to make sure the connection is usable.
func Open(ctx context.Context, dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(maxConns)

	return db, StatusCheck(ctx, db)
}

// StatusCheck returns nil if it can successfully talk to the database. It
// returns a non-nil error otherwise.
func StatusCheck(ctx context.Context, db *sqlx.DB) error {
	var pingError error

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

check:
	for {
		select {
		case <-t.C:
			pingError = db.Ping()
			if pingError == nil {
				break check
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	const q = `SELECT true`
	var tmp bool
	return db.QueryRowContext(ctx, q).Scan(&tmp)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

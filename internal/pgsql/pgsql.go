// Package pgsql carries the shared PostgreSQL plumbing: connection
// establishment with bounded retry, identifier quoting, and the
// server-to-server COPY pipeline.
package pgsql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds connection attempts.
type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	BaseSleep   time.Duration
	CapSleep    time.Duration
}

// DefaultRetry is the connection retry policy used when no overrides
// are configured.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 15,
		MaxElapsed:  60 * time.Second,
		BaseSleep:   150 * time.Millisecond,
		CapSleep:    5 * time.Second,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseSleep
	b.MaxInterval = p.CapSleep
	b.MaxElapsedTime = p.MaxElapsed
	b.RandomizationFactor = 0.5 // decorrelates concurrent workers
	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts))
	}
	return backoff.WithContext(bo, ctx)
}

// Connect opens a pgx connection with retry on transient failures.
func Connect(ctx context.Context, dsn string, policy RetryPolicy, logger zerolog.Logger) (*pgx.Conn, error) {
	var conn *pgx.Conn
	attempt := 0
	op := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := pgx.Connect(dialCtx, dsn)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("connection attempt failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, policy.backoff(ctx)); err != nil {
		return nil, fmt.Errorf("connect (after %d attempts): %w", attempt, err)
	}
	return conn, nil
}

// ConnectReplication opens a raw pgconn in replication mode.
func ConnectReplication(ctx context.Context, dsn string, policy RetryPolicy, logger zerolog.Logger) (*pgconn.PgConn, error) {
	var conn *pgconn.PgConn
	attempt := 0
	op := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := pgconn.Connect(dialCtx, dsn)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("replication connection attempt failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, policy.backoff(ctx)); err != nil {
		return nil, fmt.Errorf("replication connect (after %d attempts): %w", attempt, err)
	}
	return conn, nil
}

// QuoteIdent quotes a single SQL identifier for the target dialect.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName quotes schema.name, omitting the public schema the way
// the server's own deparsing does.
func QualifiedName(schema, name string) string {
	if schema == "" || schema == "public" {
		return QuoteIdent(name)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(name)
}

// QuoteLiteral quotes a string literal, doubling single quotes and
// switching to the E'' form when backslashes are present.
func QuoteLiteral(s string) string {
	escaped := strings.ReplaceAll(s, `'`, `''`)
	if strings.Contains(escaped, `\`) {
		return `E'` + strings.ReplaceAll(escaped, `\`, `\\`) + `'`
	}
	return `'` + escaped + `'`
}

// IsTransient reports whether err looks like a transient connection
// failure worth retrying at a higher level.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 - connection exceptions; 57P03 - cannot connect now.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P03"
	}
	return false
}

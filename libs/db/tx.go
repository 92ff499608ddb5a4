package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeExclusionViolation   = "23P01"
)

// TxOptions controls InTx. Attempts counts the first try.
type TxOptions struct {
	IsoLevel pgx.TxIsoLevel
	Attempts int
	Backoff  time.Duration
}

// InTx runs fn inside a transaction and commits on success. Serialization
// failures and deadlocks restart fn from scratch up to opts.Attempts times.
func (p *Pool) InTx(ctx context.Context, opts TxOptions, fn func(pgx.Tx) error) error {
	return retryTx(ctx, opts, func() error {
		return p.runTx(ctx, opts.IsoLevel, fn)
	})
}

func retryTx(ctx context.Context, opts TxOptions, run func() error) error {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Millisecond
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.Backoff
	policy.MaxInterval = 20 * opts.Backoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := run()
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(opts.Attempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if IsRetryable(err) {
		return fmt.Errorf("transaction aborted after %d attempts: %w", opts.Attempts, err)
	}
	return err
}

func (p *Pool) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := p.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsRetryable(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

func IsExclusionViolation(err error) bool {
	return pgCode(err) == codeExclusionViolation
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

package postgres

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"time"

	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	txcontext "pich/pkg/platform/tx"
)

const (
	defaultTxTimeout  = 5 * time.Second
	defaultTxAttempts = 5
)

// TxRunner runs callbacks in SERIALIZABLE transactions and retries them when
// Postgres reports a serialization failure or deadlock.
type TxRunner struct {
	db       *sql.DB
	timeout  time.Duration
	attempts int
}

type TxOption func(*TxRunner)

func WithTxTimeout(d time.Duration) TxOption {
	return func(t *TxRunner) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithTxAttempts(n int) TxOption {
	return func(t *TxRunner) {
		if n > 0 {
			t.attempts = n
		}
	}
}

func NewTxRunner(db *sql.DB, opts ...TxOption) *TxRunner {
	t := &TxRunner{db: db, timeout: defaultTxTimeout, attempts: defaultTxAttempts}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunInTx runs fn in a serializable transaction. Callbacks must only touch the
// database through ctx since they may run more than once. owner is unused here;
// callers lock the owner row themselves where they need it.
func (t *TxRunner) RunInTx(ctx context.Context, _ id.UserID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, nested := txcontext.From(ctx); nested {
		return fn(ctx)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var err error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			if werr := backoff(ctx, attempt); werr != nil {
				return dErrors.Wrap(werr, dErrors.CodeTimeout, "transaction aborted while retrying")
			}
		}
		err = t.runOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent update, please retry")
}

func (t *TxRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate("commit tx", err)
	}
	return nil
}

// backoff sleeps 10ms·2^attempt with full jitter.
func backoff(ctx context.Context, attempt int) error {
	base := 10 * time.Millisecond << attempt
	timer := time.NewTimer(time.Duration(rand.Int64N(int64(base))) + time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TxOptions bounds how long a transaction waits for row locks and how many
// times a conflicting transaction is replayed.
type TxOptions struct {
	LockWait time.Duration
	Retries  int
}

const retryBackoff = 25 * time.Millisecond

// InTx runs fn in a transaction. Errors returned by fn roll the transaction
// back and are returned as is; ConcurrencyErrors are retried up to
// opts.Retries times.
func InTx(ctx context.Context, db *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	for attempt := 0; ; attempt++ {
		err := runTx(ctx, db, opts.LockWait, fn)
		if err == nil {
			return nil
		}

		var cerr *ConcurrencyError
		if !errors.As(err, &cerr) || attempt >= opts.Retries {
			return err
		}

		select {
		case <-ctx.Done():
			return Classify("retry transaction", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
}

func runTx(ctx context.Context, db *gorm.DB, lockWait time.Duration, fn func(tx *gorm.DB) error) error {
	var fnErr error
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if lockWait > 0 && tx.Dialector.Name() == "postgres" {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockWait.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				fnErr = Classify("set lock timeout", err)
				return fnErr
			}
		}
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return Classify("commit transaction", err)
	}
	return err
}

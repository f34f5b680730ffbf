package dbopen

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const busyAttempts = 3

// IsBusy reports whether err is an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Exec runs a statement, retrying up to 3 times on SQLITE_BUSY with a
// 100ms linear backoff. Other errors return immediately.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return retry.DoWithData(
		func() (sql.Result, error) {
			return db.ExecContext(ctx, query, args...)
		},
		retry.Attempts(busyAttempts),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * 100 * time.Millisecond
		}),
		retry.RetryIf(IsBusy),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

package syncengine

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"math"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlDuplicateEntry  = 1062
)

// backoff is base * 2^(attempt-1), capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 1 {
		return min(base, maxDelay)
	}
	if attempt > 32 {
		return maxDelay
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

// isTransientDBError reports lock timeouts, deadlocks, dropped connections and commit timeouts.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlLockWaitTimeout || me.Number == mysqlDeadlock
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection reset")
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

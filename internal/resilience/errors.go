// Package resilience classifies failures so the worker can decide which
// failed jobs are worth an operator reset and which are terminal. Two
// failure families matter here: flaky government hosts during fetch, and
// store-layer contention (SQLite lock waits, Postgres serialization
// aborts) under concurrent claim-and-commit traffic.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx,
// network timeout, lock contention).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// pgTransientCodes are SQLSTATE values that clear on retry: the
// transaction lost a race, not the data.
var pgTransientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// sqliteBusyPatterns match modernc sqlite's lock-contention errors,
// which arrive as strings through database/sql.
var sqliteBusyPatterns = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a retryable store contention error, or matches common
// transient network patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgTransientCodes[pgErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients and
	// database/sql, which both flatten driver errors to text.
	msg := strings.ToLower(err.Error())
	for _, p := range sqliteBusyPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

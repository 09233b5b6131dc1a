package store

import (
	"context"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// IsTransient reports whether err looks like a busy/locked store that is
// worth resubmitting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// Retry calls fn up to attempts times while it fails with a transient error.
// It is meant for callers of the engine, never for the engine loop itself.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

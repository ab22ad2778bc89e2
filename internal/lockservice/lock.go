// Package lockservice implements short-lived mutual exclusion keyed by
// arbitrary strings, with acquire timeouts and TTL-based auto-release.
//
// Unlock is intentionally best-effort and does not verify the owner
// token before deleting the key — callers are expected to choose a
// TTL comfortably longer than their critical section.
package lockservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/dispatchcore/internal/observability"
)

const pollInterval = 50 * time.Millisecond

// Backend is the minimal Redis-shaped surface the lock service needs.
// A real implementation wraps SET NX EX / DEL; see RedisBackend.
type Backend interface {
	// SetNX sets key=value with the given TTL only if key does not
	// already exist. Returns true if it set the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete unconditionally removes key.
	Delete(ctx context.Context, key string) error
}

// Service provides try_lock/unlock and a scoped helper that runs a
// caller-supplied operation under a named lock and releases it on any
// exit path.
type Service struct {
	backend Backend
}

func New(backend Backend) *Service {
	return &Service{backend: backend}
}

// ErrNotAcquired is returned by TryLock when the key is still held by
// someone else after wait has elapsed.
var ErrNotAcquired = fmt.Errorf("lockservice: lock not acquired before wait elapsed")

// TryLock attempts to acquire key, busy-polling at ~50ms intervals
// until wait elapses. On success it returns an owner token (this
// caller's identity plus acquisition time, opaque to everything but
// diagnostics) that was published alongside the key.
func (s *Service) TryLock(ctx context.Context, key string, ttl, wait time.Duration) (string, error) {
	start := time.Now()
	owner := fmt.Sprintf("%s@%d", uuid.New().String(), start.UnixMilli())
	deadline := start.Add(wait)

	for {
		ok, err := s.backend.SetNX(ctx, key, owner, ttl)
		if err != nil {
			return "", fmt.Errorf("lockservice: acquire %s: %w", key, err)
		}
		if ok {
			observability.LockWaitSeconds.WithLabelValues(keyPrefix(key)).Observe(time.Since(start).Seconds())
			return owner, nil
		}

		if time.Now().After(deadline) {
			observability.LockWaitSeconds.WithLabelValues(keyPrefix(key)).Observe(time.Since(start).Seconds())
			return "", ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// keyPrefix extracts the namespace portion of a lock key (the part
// before its first colon, or the whole key if it has none) for the
// dispatch_lock_wait_seconds histogram's key_prefix label.
func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Unlock best-effort releases key. It does not check ownership: a slow
// holder whose TTL already expired could in principle delete a
// subsequent holder's lock. Choose TTLs generously longer than the
// critical section they guard.
func (s *Service) Unlock(ctx context.Context, key string) {
	_ = s.backend.Delete(ctx, key)
}

// errNotRun is the sentinel WithLock returns (as the error) when the lock
// could not be acquired in time, distinguishing "operation didn't run"
// from "operation ran and failed".
var errNotRun = fmt.Errorf("lockservice: operation did not run, lock unavailable")

// IsNotRun reports whether err is the sentinel returned by WithLock
// when the operation was skipped because the lock could not be
// acquired.
func IsNotRun(err error) bool {
	return err == errNotRun
}

// WithLock acquires key (TTL/wait as given), runs fn, and releases the
// lock on any exit path (including panic). If the lock could not be
// acquired, fn is not invoked and WithLock returns errNotRun.
func (s *Service) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	_, err := s.TryLock(ctx, key, ttl, wait)
	if err != nil {
		return errNotRun
	}
	defer s.Unlock(ctx, key)
	return fn(ctx)
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/telemetry"
)

var (
	// ErrNilClient is returned when the manager is constructed without a Redis client.
	ErrNilClient = errors.New("redis client is nil")
	// ErrEmptyKey is returned when an empty resource key is provided.
	ErrEmptyKey = errors.New("lock resource key cannot be empty")
	// ErrInvalidTTL is returned when the lock TTL is not positive.
	ErrInvalidTTL = errors.New("lock ttl must be greater than 0")
	// ErrNotHeld is returned by Release when the binding already expired or
	// was reacquired by another holder. The caller's critical section ran
	// past the TTL; the successor's binding is left untouched.
	ErrNotHeld = errors.New("lock was not held or already expired")
	// ErrNilHandle is returned when Release is called on a nil handle.
	ErrNilHandle = errors.New("lock handle is nil or not initialized")
)

// Manager acquires short-lived TTL locks in a shared Redis store.
//
// Thread-safe: multiple goroutines can use the same Manager instance.
type Manager struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a lock manager over the given Redis client.
func NewManager(client redis.UniversalClient, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	manager := &Manager{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}

	return manager, nil
}

// Handle represents an acquired lock. It must be released via Release,
// typically with defer so every exit path of the critical section unlocks.
type Handle struct {
	mutex  *redsync.Mutex
	key    string
	logger log.Logger
}

// TryAcquire attempts to bind resourceKey to a fresh owner token with the
// given TTL. It makes exactly one set-if-absent attempt:
//
//   - (handle, true, nil): the lock is held; defer handle.Release(ctx).
//   - (nil, false, nil): contention, a live binding exists. The caller must
//     not proceed with the guarded critical section.
//   - (nil, false, err): unexpected failure (network, cancellation).
func (m *Manager) TryAcquire(ctx context.Context, resourceKey string, ttl time.Duration) (*Handle, bool, error) {
	if m == nil || m.redsync == nil {
		return nil, false, ErrNilClient
	}

	if strings.TrimSpace(resourceKey) == "" {
		return nil, false, ErrEmptyKey
	}

	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}

	tracer := otel.Tracer(telemetry.TracerLock)

	ctx, span := tracer.Start(ctx, "lock.try_acquire")
	defer span.End()

	span.SetAttributes(attribute.String("lock.resource_key", resourceKey))

	mutex := m.redsync.NewMutex(
		resourceKey,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) {
			return uuid.NewString(), nil
		}),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another owner",
				log.String("resource_key", resourceKey))

			return nil, false, nil
		}

		telemetry.HandleSpanError(span, "failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", resourceKey, err)
	}

	m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("resource_key", resourceKey))

	return &Handle{mutex: mutex, key: resourceKey, logger: m.logger}, true, nil
}

// Release deletes the binding only while the stored token still matches this
// handle's. Returns ErrNotHeld when the binding expired and may belong to a
// new holder; the new holder's binding is never deleted.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if isNotHeld(err) {
			return ErrNotHeld
		}

		h.logger.Log(ctx, log.LevelError, "failed to release lock",
			log.String("resource_key", h.key), log.Err(err))

		return fmt.Errorf("lock release: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held at release",
			log.String("resource_key", h.key))

		return ErrNotHeld
	}

	return nil
}

// isNotHeld reports whether the unlock error means the binding expired or
// was reacquired by another holder, as opposed to an infrastructure failure.
// redsync reports a reacquired binding as a taken lock at unlock time.
func isNotHeld(err error) bool {
	if errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}

// isContention reports whether the acquisition error means another holder
// owns a live binding, as opposed to an infrastructure failure. redsync
// surfaces contention under a few different error shapes.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}

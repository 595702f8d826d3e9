package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/runengine/internal/model"
)

// ErrLockAcquisition is matched by every *AcquisitionError.
var ErrLockAcquisition = errors.New("lock acquisition failed")

// ErrLockLost is the cancellation cause delivered to a critical section whose
// lock could no longer be extended on a quorum of nodes.
var ErrLockLost = errors.New("lock lost")

// AcquisitionError is returned when a lock could not be acquired within the
// configured retries. Callers should treat it as retryable.
type AcquisitionError struct {
	Resources []string
	Attempts  int
	Err       error
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("acquire lock on %s after %d attempts", strings.Join(e.Resources, ","), e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrLockAcquisition) hold.
func (e *AcquisitionError) Is(target error) bool { return target == ErrLockAcquisition }

// Unwrap returns the last transport error, if any.
func (e *AcquisitionError) Unwrap() error { return e.Err }

// Retryable reports that the caller may try the whole operation again.
func (e *AcquisitionError) Retryable() bool { return true }

// Options tunes acquisition and extension.
type Options struct {
	// Prefix is prepended to every lock key.
	Prefix string
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// RetryDelay is the base pause between attempts.
	RetryDelay time.Duration
	// RetryJitter is the maximum random deviation added to RetryDelay.
	RetryJitter time.Duration
	// ExtensionThreshold is how long before expiry the lock is extended.
	ExtensionThreshold time.Duration
	// DriftFactor scales the clock drift allowance subtracted from validity.
	DriftFactor float64
}

// Locker acquires locks on a quorum of Redis clients.
type Locker struct {
	clients []redis.UniversalClient
	quorum  int
	opts    Options
	logger  *slog.Logger
}

// NewLocker creates a Locker over clients. At least one client is required;
// a lock is held when floor(n/2)+1 of them agree.
func NewLocker(clients []redis.UniversalClient, opts Options, logger *slog.Logger) (*Locker, error) {
	if len(clients) == 0 {
		return nil, errors.New("lock: at least one redis client is required")
	}
	if opts.DriftFactor == 0 {
		opts.DriftFactor = 0.01
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.ExtensionThreshold <= 0 {
		opts.ExtensionThreshold = time.Second
	}
	return &Locker{
		clients: clients,
		quorum:  len(clients)/2 + 1,
		opts:    opts,
		logger:  logger.With("component", "lock"),
	}, nil
}

// heldLocks is an immutable chain of lock keys held by a context.
type heldLocks struct {
	key    string
	parent *heldLocks
}

type heldLocksKey struct{}

func holds(ctx context.Context, key string) bool {
	for h, _ := ctx.Value(heldLocksKey{}).(*heldLocks); h != nil; h = h.parent {
		if h.key == key {
			return true
		}
	}
	return false
}

func withHeld(ctx context.Context, key string) context.Context {
	parent, _ := ctx.Value(heldLocksKey{}).(*heldLocks)
	return context.WithValue(ctx, heldLocksKey{}, &heldLocks{key: key, parent: parent})
}

// Holds reports whether ctx is inside a lock on exactly this resource set.
func Holds(ctx context.Context, resources []string) bool {
	return holds(ctx, resourceKey(resources))
}

// resourceKey sorts and de-duplicates resources so the same set always maps to
// the same key regardless of argument order.
func resourceKey(resources []string) string {
	sorted := slices.Clone(resources)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ":")
}

type lease struct {
	key   string
	token string
}

// WithLock runs fn while holding a lock on resources for up to duration,
// extending it as long as fn runs. fn's context is cancelled with cause
// ErrLockLost if an extension fails on the quorum. A nested call for the same
// resource set from within fn runs fn directly.
func (l *Locker) WithLock(ctx context.Context, resources []string, duration time.Duration, fn func(ctx context.Context) error) error {
	if len(resources) == 0 {
		return errors.New("lock: no resources")
	}
	key := resourceKey(resources)
	if holds(ctx, key) {
		return fn(ctx)
	}

	start := time.Now()
	ls, err := l.acquire(ctx, resources, key, duration)
	lockAcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		lockAcquireFailures.Inc()
		return err
	}

	lockCtx, cancel := context.WithCancelCause(withHeld(ctx, key))
	stop := make(chan struct{})
	extended := make(chan struct{})
	go func() {
		defer close(extended)
		l.extendUntil(lockCtx, ls, duration, stop, cancel)
	}()

	defer func() {
		close(stop)
		<-extended
		cancel(nil)
		l.release(context.WithoutCancel(ctx), ls)
	}()

	err = fn(lockCtx)
	if err != nil && errors.Is(context.Cause(lockCtx), ErrLockLost) {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	return err
}

func (l *Locker) acquire(ctx context.Context, resources []string, key string, duration time.Duration) (lease, error) {
	ls := lease{key: l.opts.Prefix + "lock:" + key, token: model.NewID()}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= l.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, l.retryDelay()); err != nil {
				return lease{}, &AcquisitionError{Resources: resources, Attempts: attempts, Err: err}
			}
		}
		attempts++

		start := time.Now()
		acquired := 0
		for _, c := range l.clients {
			ok, err := c.SetNX(ctx, ls.key, ls.token, duration).Result()
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				acquired++
			}
		}

		drift := time.Duration(float64(duration)*l.opts.DriftFactor) + 2*time.Millisecond
		validity := duration - time.Since(start) - drift
		if acquired >= l.quorum && validity > 0 {
			return ls, nil
		}

		// Give back partial holds so another contender can reach quorum.
		l.release(ctx, ls)
	}

	l.logger.Warn("lock acquisition exhausted retries", "key", key, "attempts", attempts)
	return lease{}, &AcquisitionError{Resources: resources, Attempts: attempts, Err: lastErr}
}

func (l *Locker) retryDelay() time.Duration {
	d := l.opts.RetryDelay
	if j := l.opts.RetryJitter; j > 0 {
		d += time.Duration(rand.Int64N(int64(2*j))) - j
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (l *Locker) extendUntil(ctx context.Context, ls lease, duration time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := duration - l.opts.ExtensionThreshold
	if interval <= 0 {
		interval = duration / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.extend(ctx, ls, duration); n < l.quorum {
				l.logger.Error("lock extension failed", "key", ls.key, "extended", n, "quorum", l.quorum)
				cancel(ErrLockLost)
				return
			}
		}
	}
}

func (l *Locker) extend(ctx context.Context, ls lease, duration time.Duration) int {
	n := 0
	for _, c := range l.clients {
		res, err := extendScript.Run(ctx, c, []string{ls.key}, ls.token, duration.Milliseconds()).Int()
		if err == nil && res == 1 {
			n++
		}
	}
	return n
}

func (l *Locker) release(ctx context.Context, ls lease) {
	for _, c := range l.clients {
		if err := releaseScript.Run(ctx, c, []string{ls.key}, ls.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Debug("lock release failed", "key", ls.key, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

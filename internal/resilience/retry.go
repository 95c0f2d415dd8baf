package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Dependency enumerates the external dependency classes. Policies and
// breakers are looked up by dependency, never by free-form string, so an
// unknown class fails at construction time.
type Dependency string

const (
	DepLLM       Dependency = "llm"
	DepAudio     Dependency = "audio"
	DepMessaging Dependency = "messaging"
	DepStorage   Dependency = "storage"
)

// RetryPolicy is immutable per dependency class.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	Retryable       []Kind
	// RetryUnknown retries untagged errors too; only the storage class
	// opts in, since driver errors arrive unclassified.
	RetryUnknown bool
	// CallTimeout bounds each individual attempt, independent of the
	// retry delay budget. A timed-out attempt counts as transient.
	CallTimeout time.Duration
}

// PolicyFor returns the immutable policy for a dependency class.
func PolicyFor(dep Dependency) (RetryPolicy, error) {
	switch dep {
	case DepLLM:
		return RetryPolicy{
			MaxRetries:      3,
			BaseDelay:       2 * time.Second,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
			Retryable:       []Kind{KindTransient, KindRateLimited},
			CallTimeout:     60 * time.Second,
		}, nil
	case DepAudio:
		return RetryPolicy{
			MaxRetries:      2,
			BaseDelay:       time.Second,
			MaxDelay:        10 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
			Retryable:       []Kind{KindTransient},
			CallTimeout:     2 * time.Minute,
		}, nil
	case DepMessaging:
		return RetryPolicy{
			MaxRetries:      5,
			BaseDelay:       time.Second,
			MaxDelay:        time.Minute,
			ExponentialBase: 2.0,
			Jitter:          true,
			Retryable:       []Kind{KindTransient, KindRateLimited},
			CallTimeout:     30 * time.Second,
		}, nil
	case DepStorage:
		return RetryPolicy{
			MaxRetries:      3,
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
			Retryable:       []Kind{KindTransient},
			RetryUnknown:    true,
			CallTimeout:     10 * time.Second,
		}, nil
	default:
		return RetryPolicy{}, fmt.Errorf("unknown dependency class %q", dep)
	}
}

func (p RetryPolicy) retryable(err error) bool {
	k := KindOf(err)
	if k == KindUnknown {
		return p.RetryUnknown
	}
	for _, r := range p.Retryable {
		if r == k {
			return true
		}
	}
	return false
}

// CalculateDelay returns the backoff before retry number attempt+1.
// With jitter off it is exactly base * expBase^attempt capped at MaxDelay;
// with jitter on the result is scaled uniformly within ±25%.
func CalculateDelay(attempt int, p RetryPolicy) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 1 + (rand.Float64()-0.5)*0.5
	}
	return time.Duration(d)
}

// Executor wraps outward calls for one dependency class with retry, circuit
// breaking, and error accounting. One executor per dependency, constructed
// at process start and shared by every call site for that dependency.
type Executor struct {
	dep     Dependency
	policy  RetryPolicy
	breaker *CircuitBreaker
	stats   *Stats
	log     *zap.Logger
}

// NewExecutor builds an executor for the dependency class; the class must be
// one of the known ones.
func NewExecutor(dep Dependency, breaker *CircuitBreaker, stats *Stats, log *zap.Logger) (*Executor, error) {
	policy, err := PolicyFor(dep)
	if err != nil {
		return nil, err
	}
	return &Executor{dep: dep, policy: policy, breaker: breaker, stats: stats, log: log}, nil
}

// Policy returns the executor's immutable retry policy.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Do runs fn with the executor's policy. The breaker is the sole admission
// check: when it is open the call is skipped entirely and ErrCircuitOpen is
// returned. The breaker records one outcome per Do call, after retries.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.breaker != nil && !e.breaker.CanExecute() {
		e.log.Debug("circuit open, skipping call",
			zap.String("dependency", string(e.dep)),
			zap.String("operation", op))
		e.stats.RecordError(op, ErrCircuitOpen)
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		err := e.attempt(ctx, fn)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			e.stats.RecordSuccess(op)
			return nil
		}
		lastErr = err

		if !e.policy.retryable(err) {
			e.log.Error("non-retryable error",
				zap.String("dependency", string(e.dep)),
				zap.String("operation", op),
				zap.Error(err))
			break
		}
		if attempt == e.policy.MaxRetries {
			e.log.Error("retries exhausted",
				zap.String("dependency", string(e.dep)),
				zap.String("operation", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			break
		}

		delay := CalculateDelay(attempt, e.policy)
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		e.log.Warn("retrying after failure",
			zap.String("dependency", string(e.dep)),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if e.breaker != nil {
		e.breaker.RecordFailure()
	}
	e.stats.RecordError(op, lastErr)
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error) error {
	if e.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.CallTimeout)
		defer cancel()
	}
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && KindOf(err) == KindUnknown {
		return Mark(KindTransient, err)
	}
	return err
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
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

// Package recovery classifies reorder transaction failures and drives the
// retry / repair-and-replay loop around them.
package recovery

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrConflict is returned when an operation cannot be completed within the
// policy's attempt budget. Callers surface it as a retryable conflict.
var ErrConflict = errors.New("conflict: concurrent reorder could not be resolved")

// Policy drives retries around a transactional reorder operation.
//
// Transient failures (serialization, deadlock, lock timeout) are retried
// with jittered backoff up to MaxAttempts. A corruption failure (duplicate
// position committed by a concurrent writer) triggers the supplied repair
// function once, then a single replay of the operation.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	// Transient reports whether err is worth retrying as-is.
	Transient func(error) bool
	// Corrupt reports whether err means the scope's ordering needs repair.
	Corrupt func(error) bool

	// Sleep is overridable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

// Do runs op until it succeeds or the policy is exhausted. repair is
// invoked at most once, either when op fails with a corruption error or as
// a last resort after the retry budget is spent; it may be nil for
// operations with no meaningful repair.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, repair func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx); err != nil {
				return err
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Corrupt != nil && p.Corrupt(err) {
			return p.repairAndReplay(ctx, op, repair)
		}
		if p.Transient == nil || !p.Transient(err) {
			return err
		}
	}
	// Retries alone did not get through; a repair pass may clear whatever
	// the concurrent writers left behind.
	return p.repairAndReplay(ctx, op, repair)
}

func (p Policy) repairAndReplay(ctx context.Context, op, repair func(context.Context) error) error {
	if repair == nil {
		return ErrConflict
	}
	if err := repair(ctx); err != nil {
		return err
	}
	if err := op(ctx); err != nil {
		// One repair, one replay. A second failure of any kind means the
		// scope is too contended to fix from here.
		return ErrConflict
	}
	return nil
}

func (p Policy) backoff(ctx context.Context) error {
	wait := p.MinBackoff
	if span := p.MaxBackoff - p.MinBackoff; span > 0 {
		wait += time.Duration(rand.Int63n(int64(span)))
	}
	if p.Sleep != nil {
		p.Sleep(wait)
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

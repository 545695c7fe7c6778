// Package fallback implements the "try the preferred tool, substitute an
// alternative when it is unavailable, record which one ran" pattern shared by
// SBOM generation, signing and version resolution.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"polyship/pkg/release"
)

// Option is one way of producing a value.
type Option[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Outcome records the value produced and which option produced it.
type Outcome[T any] struct {
	Value    T
	Used     string
	Fallback bool
	// Reason is the unavailability error that triggered the substitution.
	Reason error
}

// Try runs preferred. If it fails with an error matching
// release.ErrToolUnavailable, alternative runs instead. Any other error from
// preferred is returned as is, without trying the alternative.
func Try[T any](ctx context.Context, preferred, alternative Option[T]) (Outcome[T], error) {
	if preferred.Run == nil {
		return Outcome[T]{}, errors.New("fallback: preferred option has no Run func")
	}
	value, err := preferred.Run(ctx)
	if err == nil {
		return Outcome[T]{Value: value, Used: preferred.Name}, nil
	}
	if !errors.Is(err, release.ErrToolUnavailable) || alternative.Run == nil {
		return Outcome[T]{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome[T]{}, ctxErr
	}

	value, altErr := alternative.Run(ctx)
	if altErr != nil {
		return Outcome[T]{}, fmt.Errorf("%s unavailable (%v); %s failed: %w", preferred.Name, err, alternative.Name, altErr)
	}
	return Outcome[T]{Value: value, Used: alternative.Name, Fallback: true, Reason: err}, nil
}

// Only wraps a single option in an Outcome, for modes that forbid substitution.
func Only[T any](ctx context.Context, opt Option[T]) (Outcome[T], error) {
	return Try(ctx, opt, Option[T]{})
}

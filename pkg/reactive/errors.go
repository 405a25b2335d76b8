package reactive

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSubscription is returned when a notification references a subscription the
	// receiver does not hold.
	ErrUnknownSubscription = errors.New("notification for unknown subscription")

	// ErrDisposed is returned by operations on a disposed collection.
	ErrDisposed = errors.New("collection disposed")
)

type ErrEvaluation = error

// NewEvaluationError wraps an error raised by a predicate, key selector or expander.
func NewEvaluationError(op string, err error) ErrEvaluation {
	return fmt.Errorf("failed to evaluate %s: %w", op, err)
}

type ErrInvalidOption = error

// NewInvalidOptionError reports an option of the wrong type for a collection.
func NewInvalidOptionError(option string, got any, want string) ErrInvalidOption {
	return fmt.Errorf("invalid option %s: got %T, want %s", option, got, want)
}

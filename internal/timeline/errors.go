package timeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOptions = errors.New("invalid options")
	// ErrUnresolvedPriority signals an instant inside a component's covered
	// span that no interval owns. It indicates a bug, not bad input.
	ErrUnresolvedPriority = errors.New("unresolved priority state")
	ErrPriorityType       = errors.New("priority is not numeric")
)

// ReductionError reports a payload field that could not be reduced.
type ReductionError struct {
	Key   GroupKey
	Field string
	Err   error
}

func (e *ReductionError) Error() string {
	return fmt.Sprintf("group %q: reduce field %q: %v", e.Key.String(), e.Field, e.Err)
}

func (e *ReductionError) Unwrap() error { return e.Err }

// GroupError attaches the failing group key to an error.
type GroupError struct {
	Key GroupKey
	Err error
}

func (e *GroupError) Error() string {
	var re *ReductionError
	if errors.As(e.Err, &re) && re.Key.Equal(e.Key) {
		return e.Err.Error()
	}
	return fmt.Sprintf("group %q: %v", e.Key.String(), e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

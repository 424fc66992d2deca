package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrConditionCycle is returned when parent_id references loop back on themselves
	ErrConditionCycle = errors.New("condition tree contains a cycle")

	// ErrOrphanCondition is returned when a parent_id names a condition that is not part of the subreddit
	ErrOrphanCondition = errors.New("parent condition not found")

	// ErrForeignCondition is returned when a row belongs to a different subreddit than the one being built
	ErrForeignCondition = errors.New("condition belongs to another subreddit")

	// ErrInvalidCondition marks a row with an unknown subject or attribute
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrInvalidAttribute means the condition's attribute does not exist on the item.
	// It never leaves the matcher; the condition is treated as not matching.
	ErrInvalidAttribute = errors.New("attribute not applicable to item")

	// ErrUnknownCondition is returned when evaluating an id that is not in the forest
	ErrUnknownCondition = errors.New("condition not in forest")
)

// PatternCompileError reports a condition whose value is not a valid regular expression
type PatternCompileError struct {
	ConditionID int64
	Pattern     string
	Err         error
}

func (e *PatternCompileError) Error() string {
	return fmt.Sprintf("condition %d: invalid pattern %q: %v", e.ConditionID, e.Pattern, e.Err)
}

func (e *PatternCompileError) Unwrap() error {
	return e.Err
}

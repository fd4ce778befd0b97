package rules

import "errors"

// Store contract violations
var (
	ErrNotFound        = errors.New("rule not found")
	ErrDuplicateID     = errors.New("rule id already exists")
	ErrIndexOutOfRange = errors.New("rule index out of range")
	ErrInvalidRule     = errors.New("invalid rule")
)

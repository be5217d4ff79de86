package model

import "fmt"

// ValidationError reports a rejected schedule field. Validation failures never
// mutate state and are surfaced verbatim to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

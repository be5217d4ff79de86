package schedule

import (
	"errors"
	"fmt"

	"github.com/kilianp07/solarcharge/core/model"
)

// ErrPersistence marks a schedule save or load failure. Fatal at startup,
// logged and retried on the next mutation at runtime.
var ErrPersistence = errors.New("persistence error")

// PersistenceError wraps an underlying storage failure.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// Store durably holds at most one schedule record.
type Store interface {
	// Load returns the persisted schedule, or nil when none exists.
	Load() (*model.Schedule, error)
	// Save atomically replaces the persisted schedule.
	Save(*model.Schedule) error
}

package gateway

import (
	"errors"
	"fmt"
)

// ErrTransport marks a sensor-bus send failure. It is logged, never fatal to a
// session.
var ErrTransport = errors.New("transport error")

// TransportError wraps a failed dongle command with the setting it carried.
func TransportError(setting string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, setting, err)
}

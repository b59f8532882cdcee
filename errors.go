package msgbus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation that needs a live
	// connection is invoked while disconnected.
	ErrNotConnected = errors.New("msgbus: not connected")

	// ErrConnectionLost is the cause reported when the broker side goes
	// away underneath a waiting receive.
	ErrConnectionLost = errors.New("msgbus: connection lost")
)

// MissingConfigurationError reports a required setting that has no
// environment variable, no plugin option and no default.
type MissingConfigurationError struct {
	EnvVar string
	Option string
}

func (e *MissingConfigurationError) Error() string {
	if e.EnvVar == "" {
		return fmt.Sprintf("msgbus: missing configuration: option %q is not set and no default was given", e.Option)
	}
	return fmt.Sprintf("msgbus: missing configuration: neither environment variable %q nor option %q is set and no default was given", e.EnvVar, e.Option)
}

// ConnectionError reports a failed Connect and names the step that failed.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("msgbus: connect: %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a message that could not be handed to the broker.
type SendError struct {
	Target string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("msgbus: send to %q: %v", e.Target, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a hard receive failure, such as a closed consumer
// or a failed acknowledgement. An empty queue is not an error.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("msgbus: receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

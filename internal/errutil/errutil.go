// Package errutil defines the error categories shared across the load
// engine and the control plane. Per-iteration failures are recorded as
// results, never surfaced through these types; config and protocol
// problems are.
package errutil

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports an invalid profile, statistic, spec or slave
// method. It is surfaced to the caller and never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// Configf builds a ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TransportError reports a connect failure, reset or HTTP-level
// transport problem on the control plane. The endpoint client treats it
// as a trigger for reconnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Op
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError for operation op.
func Transport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ProtocolError reports a malformed control-plane exchange, such as an
// error reply from a remote endpoint.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// Protocolf builds a ProtocolError.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

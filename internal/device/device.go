// Package device defines a line-oriented interface for the vehicle's serial
// link. The ESP32 firmware writes one JSON envelope per line and reads
// commands the same way.
package device

import (
	"errors"
	"time"
)

// ErrTimeout is returned by ReadLine when no line arrived in time.
var ErrTimeout = errors.New("device: read timeout")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("device: closed")

// Device reads and writes newline-terminated lines.
type Device interface {
	// ReadLine returns the next line without its terminator.
	// If timeout > 0 it returns ErrTimeout when nothing arrived in time.
	ReadLine(timeout time.Duration) (string, error)

	// WriteLine writes s followed by '\n'.
	WriteLine(s string) error

	Close() error
}

// Package engine defines the contract between a transfer handle and the
// protocol engines that move bytes for it.
//
// An engine is configured through SetOption and then driven by repeated calls
// to Step until Step reports done or fails. Raw events (header lines, body
// chunks, upload progress, debug lines and host-key checks) are delivered
// through the callback options, always on the goroutine that is inside Step
// or on a goroutine the engine owns while Step is blocked.
package engine

import (
	"context"
)

// Easy is a single-transfer engine handle.
type Easy interface {
	// SetOption configures the engine. It must be called before the first Step.
	SetOption(opt Option, value any) error
	// Step performs a bounded unit of work. It returns done once the transfer
	// has finished; a non-nil error also finishes the transfer.
	Step(ctx context.Context) (done bool, err error)
	// Info returns transfer information collected so far.
	Info(key InfoKey) (any, error)
	// Close releases engine resources. It is safe to call more than once.
	Close() error
}

// Factory returns a fresh, unconfigured engine.
type Factory func() Easy

// HeaderFunc receives raw header bytes, typically one line at a time.
type HeaderFunc func(line []byte) error

// WriteFunc receives body bytes in arrival order.
type WriteFunc func(p []byte) error

// SendFunc is told how many upload bytes are about to be sent. A final call with
// zero marks the end of the upload body.
type SendFunc func(n int64)

// DebugFunc receives diagnostic lines when verbose mode is on.
type DebugFunc func(t InfoType, data []byte)

// HostKeyFunc decides whether a server's host key is acceptable. known is nil
// when no entry exists for the host.
type HostKeyFunc func(known *HostKey, found HostKey, match KeyMatch) KeyStatus

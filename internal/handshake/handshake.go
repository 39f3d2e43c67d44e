// Package handshake holds the tunables consumed by the (externally owned)
// handshaking/listener collaborator. Only the configuration surface and the
// connection hand-off contract are in scope here; accepting sockets and
// performing the BEP-3 handshake bytes themselves belong to that collaborator.
package handshake

import "time"

// Config is an immutable-after-build record of buffer sizes and the
// handshake timeout. Zero values are meaningful to a consumer only insofar
// as that consumer's own policy treats zero as "unbuffered or disallowed";
// this package does not validate or reject them.
type Config struct {
	// SinkBuffer bounds the channel a freshly handshaken connection is
	// handed off through.
	SinkBuffer int

	// WaitBuffer bounds the channel of in-progress handshake attempts.
	WaitBuffer int

	// DoneBuffer bounds the channel of completed (successful or failed)
	// handshake results.
	DoneBuffer int

	// Timeout bounds how long a single handshake attempt may take before
	// it is abandoned.
	Timeout time.Duration
}

// DefaultConfig returns the documented defaults: sink 1000, wait 10, done
// 10, timeout 1s.
func DefaultConfig() Config {
	return Config{
		SinkBuffer: 1000,
		WaitBuffer: 10,
		DoneBuffer: 10,
		Timeout:    time.Second,
	}
}

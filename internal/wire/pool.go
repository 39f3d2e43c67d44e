package wire

import "golang.org/x/sync/errgroup"

// Pool runs a fixed set of Drivers concurrently, one goroutine per
// connection, and waits for all of them to reach a terminal state.
//
// Unlike a typical errgroup.WithContext supervisor, one connection
// disconnecting (RemoteTimeout, RemoteDisconnect, a decode error) must
// never cancel its unrelated siblings — per the concurrency model, a
// connection is pinned to its own reactor and failures are per-connection,
// not process-wide. Pool therefore uses a plain errgroup.Group: every
// Driver runs to completion regardless of what the others return, and Wait
// reports the first non-nil error seen, if any, purely for the caller's
// visibility.
type Pool struct {
	g errgroup.Group
}

// Go adds a Driver to the pool and starts it immediately.
func (p *Pool) Go(d *Driver) {
	p.g.Go(d.Run)
}

// Wait blocks until every Driver added to the pool has returned, and
// reports the first non-nil error among them.
func (p *Pool) Wait() error {
	return p.g.Wait()
}

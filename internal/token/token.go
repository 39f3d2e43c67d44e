// Package token provides the process-wide correlation id used to pair an
// asynchronous request with its eventual response. A Token is minted once per
// registration (a connection joining the reactor, or a block reservation
// handed to the disk manager) and threaded through every message that refers
// back to it, so a reply can find its way to the right connection or request
// without either side holding a direct reference to the other.
package token

import "sync/atomic"

// Token is an opaque, comparable correlation id. The zero Token is never
// issued by a Generator and may be used by callers as an "unset" sentinel.
type Token uint64

// Generator mints monotonically increasing Tokens. The zero Generator is
// ready to use.
type Generator struct {
	next atomic.Uint64
}

// Next returns a Token that has never been returned before by this
// Generator. Safe for concurrent use.
func (g *Generator) Next() Token {
	return Token(g.next.Add(1))
}

// Package relay implements the bounded, wakeup-notifying channels that form
// the cross-layer fabric between the wire engine, the disk manager, and the
// selector. Every send across a layer boundary both enqueues a message and
// wakes the destination reactor.
package relay

import (
	"sync"

	"github.com/dorhq/warren/internal/token"
)

// MaxIncomingMessages bounds the number of unacked selector->wire messages
// that may be in flight on a single connection at once.
const MaxIncomingMessages = 8

// Notifier wakes a reactor that may be parked waiting for its next event.
// Implementations must be safe to call from any goroutine.
type Notifier interface {
	Notify()
}

// ProtocolSender wraps a bounded channel with a Notifier: every successful
// send also wakes the receiving reactor, so the receiver never needs to
// poll.
type ProtocolSender[T any] struct {
	ch       chan T
	notifier Notifier
}

// NewProtocolSender builds a ProtocolSender over ch, waking notifier after
// every send.
func NewProtocolSender[T any](ch chan T, notifier Notifier) *ProtocolSender[T] {
	return &ProtocolSender[T]{ch: ch, notifier: notifier}
}

// TrySend attempts a non-blocking send. ok is false if the channel's buffer
// is full; the notifier is only woken on a successful send.
func (s *ProtocolSender[T]) TrySend(v T) (ok bool) {
	select {
	case s.ch <- v:
		s.notifier.Notify()
		return true
	default:
		return false
	}
}

// Receiver exposes the receive side to the owning reactor.
func (s *ProtocolSender[T]) Receiver() <-chan T { return s.ch }

// SplitSender decorates a ProtocolSender with an explicit credit counter,
// preventing unbounded queuing of selector->wire messages. TrySend
// decrements credit on success; Ack (called when an outbound message has
// been flushed) returns one unit of credit.
//
// The sending side (typically a selector goroutine) and the acking side
// (the wire engine, on write flush) are usually different goroutines
// sharing one SplitSender instance, so the credit counter is mutex-guarded.
type SplitSender[T any] struct {
	inner *ProtocolSender[T]
	max   int

	mu     sync.Mutex
	credit int
}

// NewSplitSender wraps inner with maxCredit units of initial send credit.
func NewSplitSender[T any](inner *ProtocolSender[T], maxCredit int) *SplitSender[T] {
	return &SplitSender[T]{inner: inner, credit: maxCredit, max: maxCredit}
}

// TrySend sends v if credit remains, consuming one unit. ok is false if no
// credit is available or the inner channel is full (credit is restored in
// the latter case, since nothing was actually sent).
func (s *SplitSender[T]) TrySend(v T) (ok bool) {
	s.mu.Lock()
	if s.credit <= 0 {
		s.mu.Unlock()
		return false
	}
	s.credit--
	s.mu.Unlock()

	if !s.inner.TrySend(v) {
		s.mu.Lock()
		s.credit++
		s.mu.Unlock()
		return false
	}

	return true
}

// Ack returns one unit of credit, called when a previously sent message has
// been flushed to its destination.
func (s *SplitSender[T]) Ack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credit < s.max {
		s.credit++
	}
}

// Credit returns the number of sends currently permitted.
func (s *SplitSender[T]) Credit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit
}

// SelectorSender tags each outgoing protocol message with the source
// connection's Token before forwarding it to the selector's inbound
// channel.
type SelectorSender[T any] struct {
	inner *ProtocolSender[Tagged[T]]
	tok   token.Token
}

// Tagged pairs a payload with the connection Token it originated from.
type Tagged[T any] struct {
	Token token.Token
	Value T
}

// NewSelectorSender builds a SelectorSender that stamps every message sent
// through it with tok.
func NewSelectorSender[T any](inner *ProtocolSender[Tagged[T]], tok token.Token) *SelectorSender[T] {
	return &SelectorSender[T]{inner: inner, tok: tok}
}

// TrySend tags v with this sender's Token and forwards it.
func (s *SelectorSender[T]) TrySend(v T) bool {
	return s.inner.TrySend(Tagged[T]{Token: s.tok, Value: v})
}

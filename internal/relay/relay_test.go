package relay

import (
	"sync/atomic"
	"testing"

	"github.com/dorhq/warren/internal/token"
)

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func TestProtocolSender_NotifiesOnSend(t *testing.T) {
	notifier := &countingNotifier{}
	ch := make(chan int, 4)
	s := NewProtocolSender(ch, notifier)

	if !s.TrySend(1) {
		t.Fatalf("TrySend failed unexpectedly")
	}
	if notifier.n.Load() != 1 {
		t.Fatalf("notify count = %d, want 1", notifier.n.Load())
	}
}

func TestProtocolSender_FullChannelDoesNotNotify(t *testing.T) {
	notifier := &countingNotifier{}
	ch := make(chan int, 1)
	s := NewProtocolSender(ch, notifier)

	if !s.TrySend(1) {
		t.Fatalf("first send should succeed")
	}
	if s.TrySend(2) {
		t.Fatalf("second send on full channel should fail")
	}
	if notifier.n.Load() != 1 {
		t.Fatalf("notify count = %d, want 1 (no notify on failed send)", notifier.n.Load())
	}
}

func TestSplitSender_CreditLimit(t *testing.T) {
	notifier := &countingNotifier{}
	ch := make(chan int, MaxIncomingMessages*2)
	split := NewSplitSender(NewProtocolSender(ch, notifier), MaxIncomingMessages)

	sent := 0
	for i := 0; i < MaxIncomingMessages+5; i++ {
		if split.TrySend(i) {
			sent++
		}
	}

	if sent != MaxIncomingMessages {
		t.Fatalf("sent = %d, want %d", sent, MaxIncomingMessages)
	}

	split.Ack()
	if !split.TrySend(999) {
		t.Fatalf("send after Ack should succeed")
	}
}

func TestSplitSender_AckNeverExceedsMax(t *testing.T) {
	notifier := &countingNotifier{}
	ch := make(chan int, 10)
	split := NewSplitSender(NewProtocolSender(ch, notifier), 2)

	split.Ack()
	split.Ack()
	split.Ack()

	if split.Credit() != 2 {
		t.Fatalf("credit = %d, want 2 (capped at max)", split.Credit())
	}
}

func TestSelectorSender_TagsWithToken(t *testing.T) {
	notifier := &countingNotifier{}
	ch := make(chan Tagged[string], 1)
	tok := token.Token(42)
	s := NewSelectorSender(NewProtocolSender(ch, notifier), tok)

	if !s.TrySend("hello") {
		t.Fatalf("TrySend failed")
	}

	got := <-ch
	if got.Token != tok || got.Value != "hello" {
		t.Fatalf("got %+v, want Token=%d Value=hello", got, tok)
	}
}

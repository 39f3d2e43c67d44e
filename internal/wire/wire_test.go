package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dorhq/warren/internal/disk"
	"github.com/dorhq/warren/internal/message"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/relay"
	"github.com/dorhq/warren/internal/selector"
	"github.com/dorhq/warren/internal/token"
)

type noopNotifier struct{}

func (noopNotifier) Notify() {}

// fakeAccess is a minimal in-memory stand-in for the disk manager's
// synchronous buffer-access capability, sized for driving an Engine in
// isolation from a real Manager.
type fakeAccess struct {
	tokens token.Generator
	blocks map[token.Token][]byte
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{blocks: make(map[token.Token][]byte)}
}

func (f *fakeAccess) NewToken() token.Token { return f.tokens.Next() }

func (f *fakeAccess) ReadBlock(t token.Token, dst []byte) (int, error) {
	b, ok := f.blocks[t]
	if !ok {
		return 0, errors.New("fakeAccess: unknown token")
	}
	return copy(dst, b), nil
}

func (f *fakeAccess) WriteBlock(t token.Token, src []byte) (int, error) {
	buf := make([]byte, len(src))
	copy(buf, src)
	f.blocks[t] = buf
	return len(buf), nil
}

type harness struct {
	t      *testing.T
	engine *Engine
	access *fakeAccess

	toSelectorCh chan selector.InMessage
	toDiskCh     chan disk.InMessage
	diskEvents   chan disk.OutMessage
	selectorOut  chan selector.OutMessage

	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:            t,
		access:       newFakeAccess(),
		toSelectorCh: make(chan selector.InMessage, 16),
		toDiskCh:     make(chan disk.InMessage, 16),
		diskEvents:   make(chan disk.OutMessage, 16),
		selectorOut:  make(chan selector.OutMessage, 16),
		now:          time.Now(),
	}

	toSelector := relay.NewProtocolSender(h.toSelectorCh, noopNotifier{})
	toDisk := relay.NewProtocolSender(h.toDiskCh, noopNotifier{})
	diskReply := relay.NewProtocolSender(h.diskEvents, noopNotifier{})

	e, _ := New(
		selector.ConnID(1),
		[20]byte{1, 2, 3},
		1<<18,
		h.access,
		toSelector,
		toDisk,
		h.diskEvents,
		diskReply,
		h.selectorOut,
		h.now,
	)
	h.engine = e

	// Drain the PeerConnect sent by New.
	<-h.toSelectorCh

	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func TestEngine_InboundChoke_EmitsOneSelectorMessageAndReturnsToReadLength(t *testing.T) {
	h := newHarness(t)

	frame := message.Encode(message.NewChoke())

	intent, err := h.engine.BytesRead(h.now, frame[0:4])
	if err != nil {
		t.Fatalf("length read: %v", err)
	}
	if intent.Kind != IntentExpectBytes || intent.N != 1 {
		t.Fatalf("intent after length = %+v, want expectBytes(1)", intent)
	}

	intent, err = h.engine.BytesRead(h.now, frame[4:])
	if err != nil {
		t.Fatalf("payload read: %v", err)
	}

	select {
	case im := <-h.toSelectorCh:
		if im.Kind != selector.InPeerChoke {
			t.Fatalf("selector message kind = %v, want InPeerChoke", im.Kind)
		}
	default:
		t.Fatalf("expected one selector message, got none")
	}

	select {
	case im := <-h.toSelectorCh:
		t.Fatalf("expected exactly one selector message, got extra: %+v", im)
	default:
	}

	if intent.Kind != IntentExpectBytes || intent.N != 4 {
		t.Fatalf("intent after payload = %+v, want expectBytes(4) (back to ReadLength)", intent)
	}
}

func TestEngine_InboundKeepAlive_EmitsNoSelectorMessage(t *testing.T) {
	h := newHarness(t)

	frame := message.Encode(nil)
	if _, err := h.engine.BytesRead(h.now, frame); err != nil {
		t.Fatalf("BytesRead: %v", err)
	}

	select {
	case im := <-h.toSelectorCh:
		t.Fatalf("KeepAlive must not emit a selector message, got %+v", im)
	default:
	}
}

func TestEngine_InboundPiece_ReservesWritesAndProcessesExactBlock(t *testing.T) {
	h := newHarness(t)

	block := []byte("0123456789abcdef")
	frame := message.Encode(message.NewPiece(5, 32, block))

	intent, err := h.engine.BytesRead(h.now, frame[0:4])
	if err != nil {
		t.Fatalf("length read: %v", err)
	}
	if intent.N != len(frame)-4 {
		t.Fatalf("expectBytes(%d), want %d", intent.N, len(frame)-4)
	}

	intent, err = h.engine.BytesRead(h.now, frame[4:])
	if err != nil {
		t.Fatalf("payload read: %v", err)
	}
	if intent.Kind != IntentSleep {
		t.Fatalf("intent after Piece header = %+v, want IntentSleep (DiskReserve)", intent)
	}

	var reserveMsg disk.InMessage
	select {
	case reserveMsg = <-h.toDiskCh:
	default:
		t.Fatalf("expected a ReserveBlock request")
	}
	if reserveMsg.Kind != disk.ReserveBlock {
		t.Fatalf("disk request kind = %v, want ReserveBlock", reserveMsg.Kind)
	}
	if reserveMsg.Piece.BlockLength != uint32(len(block)) {
		t.Fatalf("reserved length = %d, want %d (exactly the block length)", reserveMsg.Piece.BlockLength, len(block))
	}

	select {
	case im := <-h.toSelectorCh:
		if im.Kind != selector.InPeerPiece || im.Token != reserveMsg.Token {
			t.Fatalf("selector piece message = %+v, want InPeerPiece token %v", im, reserveMsg.Token)
		}
	default:
		t.Fatalf("expected InPeerPiece to selector")
	}

	// Simulate the disk manager reserving the block and replying.
	h.engine.diskEvents <- disk.OutMessage{Kind: disk.BlockReserved, Token: reserveMsg.Token}
	if _, err := h.engine.Wakeup(h.now); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}

	var processMsg disk.InMessage
	select {
	case processMsg = <-h.toDiskCh:
	default:
		t.Fatalf("expected a ProcessBlock request after BlockReserved")
	}
	if processMsg.Kind != disk.ProcessBlock || processMsg.Token != reserveMsg.Token {
		t.Fatalf("process request = %+v, want ProcessBlock token %v", processMsg, reserveMsg.Token)
	}

	written, ok := h.access.blocks[reserveMsg.Token]
	if !ok || !bytes.Equal(written, block) {
		t.Fatalf("written bytes = %v, want %v", written, block)
	}
}

func TestEngine_OutboundPiece_LoadsThenWritesThenReclaims(t *testing.T) {
	h := newHarness(t)

	pieceMsg := piece.Message{Index: 2, BlockOffset: 0, BlockLength: 4}
	h.selectorOut <- selector.OutMessage{Kind: selector.OutPeerPiece, Piece: pieceMsg}

	if _, err := h.engine.Wakeup(h.now); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}

	var loadMsg disk.InMessage
	select {
	case loadMsg = <-h.toDiskCh:
	default:
		t.Fatalf("expected a LoadBlock request")
	}
	if loadMsg.Kind != disk.LoadBlock {
		t.Fatalf("disk request kind = %v, want LoadBlock", loadMsg.Kind)
	}

	content := []byte{9, 8, 7, 6}
	if _, err := h.access.WriteBlock(loadMsg.Token, content); err != nil {
		t.Fatalf("seed fake loaded block: %v", err)
	}

	h.engine.diskEvents <- disk.OutMessage{Kind: disk.BlockLoaded, Token: loadMsg.Token}
	intent, err := h.engine.Wakeup(h.now)
	if err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	if intent.Kind != IntentExpectFlush {
		t.Fatalf("intent = %+v, want expectFlush (write queued)", intent)
	}

	outBuf := h.engine.OutBuf()
	if !bytes.Contains(outBuf, content) {
		t.Fatalf("outbound buffer %v does not contain loaded block %v", outBuf, content)
	}

	select {
	case reclaim := <-h.toDiskCh:
		if reclaim.Kind != disk.ReclaimBlock || reclaim.Token != loadMsg.Token {
			t.Fatalf("reclaim message = %+v, want ReclaimBlock token %v", reclaim, loadMsg.Token)
		}
	default:
		t.Fatalf("expected a ReclaimBlock request once the block was spliced into the outbound buffer")
	}

	if _, err := h.engine.BytesFlushed(h.now); err != nil {
		t.Fatalf("BytesFlushed: %v", err)
	}
}

func TestEngine_RemoteTimeout_DisconnectsAfterPeerTimeout(t *testing.T) {
	h := newHarness(t)

	h.advance(PeerTimeout + time.Second)

	_, err := h.engine.CheckTimeout(h.now)
	var de *DisconnectError
	if !errors.As(err, &de) || de.Kind != RemoteTimeout {
		t.Fatalf("err = %v, want RemoteTimeout DisconnectError", err)
	}

	select {
	case im := <-h.toSelectorCh:
		if im.Kind != selector.InPeerDisconnect {
			t.Fatalf("selector message = %+v, want InPeerDisconnect", im)
		}
	default:
		t.Fatalf("expected a PeerDisconnect notification to the selector")
	}
}

func TestEngine_Idle_EnqueuesKeepAliveAfterSelfTimeout(t *testing.T) {
	h := newHarness(t)

	h.advance(SelfTimeout + time.Second)

	intent, err := h.engine.Idle(h.now)
	if err != nil {
		t.Fatalf("Idle: %v", err)
	}
	if intent.Kind != IntentExpectFlush {
		t.Fatalf("intent = %+v, want expectFlush (KeepAlive queued)", intent)
	}

	if !bytes.Equal(h.engine.OutBuf(), []byte{0, 0, 0, 0}) {
		t.Fatalf("outbound buffer = %v, want KeepAlive frame", h.engine.OutBuf())
	}
}

func TestEngine_Idle_DoesNothingBeforeSelfTimeout(t *testing.T) {
	h := newHarness(t)

	h.advance(SelfTimeout / 2)

	intent, err := h.engine.Idle(h.now)
	if err != nil {
		t.Fatalf("Idle: %v", err)
	}
	if intent.Kind != IntentExpectBytes {
		t.Fatalf("intent = %+v, want expectBytes (nothing queued, still reading)", intent)
	}
}

func TestEngine_SplitSenderCredit_BoundsInFlightSelectorWrites(t *testing.T) {
	ch := make(chan selector.OutMessage, relay.MaxIncomingMessages*2)
	inner := relay.NewProtocolSender(ch, noopNotifier{})
	split := relay.NewSplitSender(inner, relay.MaxIncomingMessages)

	sent := 0
	for i := 0; i < relay.MaxIncomingMessages+3; i++ {
		if split.TrySend(selector.OutMessage{Kind: selector.OutChoke}) {
			sent++
		}
	}
	if sent != relay.MaxIncomingMessages {
		t.Fatalf("sent = %d, want %d (bounded by credit)", sent, relay.MaxIncomingMessages)
	}
}

// Package wire implements the per-connection peer wire protocol reactor:
// the state machine that reads and writes BEP-3 frames, reserves and
// reclaims blocks through the disk layer, and reports peer events to the
// selector.
//
// The package does not include a socket-driven event loop or a scheduler —
// those are collaborator concerns (see the Driver type in driver.go for a
// minimal, explicitly non-production reference loop).
// Engine itself is driven purely through its exported callbacks
// (BytesRead, BytesFlushed, Wakeup, Idle, CheckTimeout), each of which returns an
// Intent describing the next suspension point.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/dorhq/warren/internal/disk"
	"github.com/dorhq/warren/internal/message"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/relay"
	"github.com/dorhq/warren/internal/selector"
	"github.com/dorhq/warren/internal/token"
)

// PeerTimeout is the liveness deadline: if no bytes are received for this
// long, the connection is disconnected with ErrRemoteTimeout.
const PeerTimeout = 2 * time.Minute

// SelfTimeout is the idle deadline at which point, if nothing has been
// enqueued for send, a KeepAlive is enqueued and the deadline resets.
//
// Because the peer timeout is only re-checked lazily (on the next reactor
// callback), the worst-case detection latency is SelfTimeout + PeerTimeout
// minus one tick: up to 3 minutes 29 seconds. This is intentional; see the
// design notes on lazy timers.
const SelfTimeout = 90 * time.Second

// Access is the synchronous disk-access capability the engine uses to move
// bytes into and out of its own read/write buffers once the disk layer has
// reserved or loaded a block. Token issuance also belongs here: the disk
// layer, not the wire engine, is the source of new correlation tokens.
type Access interface {
	NewToken() token.Token
	ReadBlock(t token.Token, dst []byte) (int, error)
	WriteBlock(t token.Token, src []byte) (int, error)
}

// DisconnectKind classifies why a connection entered its terminal state.
type DisconnectKind uint8

const (
	InvalidMessage DisconnectKind = iota
	RemoteTimeout
	RemoteDisconnect
	RemoteError
)

func (k DisconnectKind) String() string {
	switch k {
	case InvalidMessage:
		return "InvalidMessage"
	case RemoteTimeout:
		return "RemoteTimeout"
	case RemoteDisconnect:
		return "RemoteDisconnect"
	case RemoteError:
		return "RemoteError"
	default:
		return "Unknown"
	}
}

// DisconnectError is returned by any Engine callback that terminates the
// connection. The caller must stop driving the Engine once it sees one.
type DisconnectError struct {
	Kind DisconnectKind
	Err  error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: disconnect (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("wire: disconnect (%s)", e.Kind)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// IntentKind tags the suspension point an Intent describes.
type IntentKind uint8

const (
	IntentExpectBytes IntentKind = iota
	IntentExpectFlush
	IntentSleep
)

// Intent is the single suspension point a reactor callback returns:
// exactly one of expect_bytes(n), expect_flush(), or sleep(), always
// paired with a deadline.
type Intent struct {
	Kind     IntentKind
	N        int
	Deadline time.Time
}

func expectBytes(n int, deadline time.Time) Intent {
	return Intent{Kind: IntentExpectBytes, N: n, Deadline: deadline}
}

func expectFlush(deadline time.Time) Intent {
	return Intent{Kind: IntentExpectFlush, Deadline: deadline}
}

type stateKind uint8

const (
	stateReadLength stateKind = iota
	stateReadPayload
	stateDiskReserve
	stateWritePayload
)

type wireState struct {
	kind  stateKind
	len   int64
	token token.Token
}

// queueEntry is one pending outbound write: either a plain message or one
// whose block bytes are supplied by the disk layer (hasToken), looked up
// through Access.ReadBlock at the moment it is popped for writing.
type queueEntry struct {
	isKeepAlive bool
	kind        message.ID
	piece       piece.Message // Have: Index only; Request/Cancel: Index/BlockOffset/BlockLength; Piece: same
	bits        []byte
	hasToken    bool
	token       token.Token
}

func (q queueEntry) build() *message.Message {
	if q.isKeepAlive {
		return nil
	}
	switch q.kind {
	case message.Choke:
		return message.NewChoke()
	case message.Unchoke:
		return message.NewUnchoke()
	case message.Interested:
		return message.NewInterested()
	case message.NotInterested:
		return message.NewNotInterested()
	case message.Have:
		return message.NewHave(q.piece.Index)
	case message.Bitfield:
		return message.NewBitfield(q.bits)
	case message.Request:
		return message.NewRequest(q.piece.Index, q.piece.BlockOffset, q.piece.BlockLength)
	case message.Cancel:
		return message.NewCancel(q.piece.Index, q.piece.BlockOffset, q.piece.BlockLength)
	case message.Piece:
		return message.NewPiece(q.piece.Index, q.piece.BlockOffset, make([]byte, q.piece.BlockLength))
	default:
		panic(fmt.Sprintf("wire: invalid queue entry kind %v", q.kind))
	}
}

// Engine is one connection's wire protocol reactor. It is not safe for
// concurrent use from multiple goroutines simultaneously driving its
// callbacks — per the concurrency model, a connection is pinned to a single
// worker.
type Engine struct {
	id   selector.ConnID
	hash [20]byte
	disk Access

	state wireState

	writeQueue []queueEntry
	blockQueue map[token.Token]piece.Message

	lastSent  time.Time
	lastRecvd time.Time

	toSelector *relay.ProtocolSender[selector.InMessage]
	toDisk     *relay.ProtocolSender[disk.InMessage]
	diskReply  *relay.ProtocolSender[disk.OutMessage]

	diskEvents     chan disk.OutMessage
	selectorEvents chan selector.OutMessage

	ceiling int64
	outBuf  []byte

	// pendingBlock/pendingPiece hold an inbound block's bytes across the
	// DiskReserve wait, between the read that delivered them and the
	// BlockReserved event that lets them be committed.
	pendingBlock []byte
	pendingPiece piece.Message
}

// New instantiates a connection's wire engine following a completed
// handshake. It sends PeerConnect to the selector and returns the initial
// intent: expect the 4-byte length prefix, with a self-timeout deadline.
//
// selectorOut is the sender this engine uses to emit events to the
// selector; diskOut is the sender used to issue disk requests. diskEvents
// and selectorEvents are the channels this engine's Wakeup drains;
// diskReply wraps diskEvents and is handed to the disk layer as the Reply
// destination for this connection's requests.
func New(
	id selector.ConnID,
	hash [20]byte,
	pieceLength int64,
	access Access,
	selectorOut *relay.ProtocolSender[selector.InMessage],
	diskOut *relay.ProtocolSender[disk.InMessage],
	diskEvents chan disk.OutMessage,
	diskReply *relay.ProtocolSender[disk.OutMessage],
	selectorEvents chan selector.OutMessage,
	now time.Time,
) (*Engine, Intent) {
	e := &Engine{
		id:             id,
		hash:           hash,
		disk:           access,
		state:          wireState{kind: stateReadLength},
		blockQueue:     make(map[token.Token]piece.Message),
		lastSent:       now,
		lastRecvd:      now,
		toSelector:     selectorOut,
		toDisk:         diskOut,
		diskReply:      diskReply,
		diskEvents:     diskEvents,
		selectorEvents: selectorEvents,
		ceiling:        message.Ceiling(pieceLength),
	}

	e.toSelector.TrySend(selector.InMessage{ID: e.id, Kind: selector.InPeerConnect, Hash: hash})

	return e, expectBytes(4, e.selfDeadline(now))
}

func (e *Engine) selfDeadline(now time.Time) time.Time { return now.Add(SelfTimeout) }

// peerTimedOut reports whether no bytes have arrived within PeerTimeout of
// now, per the last-received timestamp.
func (e *Engine) peerTimedOut(now time.Time) bool {
	return now.After(e.lastRecvd.Add(PeerTimeout))
}

func (e *Engine) disconnect(kind DisconnectKind, err error, selectorInitiated bool) (Intent, error) {
	if !selectorInitiated {
		e.toSelector.TrySend(selector.InMessage{ID: e.id, Kind: selector.InPeerDisconnect})
	}
	return Intent{}, &DisconnectError{Kind: kind, Err: err}
}

// CheckTimeout performs only the peer-timeout check and otherwise returns
// the current state's Intent. Every other callback in this file runs the
// same check (peerTimedOut) at its top, so that no entry point can observe a
// stale peer-timeout state.
func (e *Engine) CheckTimeout(now time.Time) (Intent, error) {
	if e.peerTimedOut(now) {
		return e.disconnect(RemoteTimeout, nil, false)
	}
	return e.currentIntent(now), nil
}

func (e *Engine) currentIntent(now time.Time) Intent {
	switch e.state.kind {
	case stateReadLength:
		return expectBytes(4, e.selfDeadline(now))
	case stateReadPayload:
		return expectBytes(int(e.state.len), e.selfDeadline(now))
	case stateDiskReserve:
		return Intent{Kind: IntentSleep, Deadline: e.selfDeadline(now)}
	case stateWritePayload:
		return expectFlush(e.selfDeadline(now))
	default:
		panic("wire: invalid state")
	}
}

// BytesRead is called once the bytes requested by the previous Intent have
// arrived. buf holds exactly that many bytes.
func (e *Engine) BytesRead(now time.Time, buf []byte) (Intent, error) {
	if e.peerTimedOut(now) {
		return e.disconnect(RemoteTimeout, nil, false)
	}
	e.lastRecvd = now

	switch e.state.kind {
	case stateReadLength:
		length, err := message.DecodeLength(buf, e.ceiling)
		if err != nil {
			return e.disconnect(InvalidMessage, err, false)
		}
		// buf held exactly the 4-byte length prefix; this driver model
		// delivers fresh bytes per Intent (rather than an
		// accumulate-then-consume buffer), so ReadPayload now requests
		// exactly the L body bytes that remain, not L+4.
		e.state = wireState{kind: stateReadPayload, len: length}
		return e.currentIntent(now), nil

	case stateReadPayload:
		return e.advanceReadPayload(now, buf)

	default:
		return e.disconnect(InvalidMessage, errors.New("bytes read in invalid state"), false)
	}
}

func (e *Engine) advanceReadPayload(now time.Time, buf []byte) (Intent, error) {
	body := buf
	bodyLen := int64(len(body))

	m, err := message.DecodePayload(body, bodyLen)
	if err != nil {
		return e.disconnect(InvalidMessage, err, false)
	}

	if m == nil {
		// KeepAlive: no event to the selector.
		e.state = wireState{kind: stateReadLength}
		return e.advanceWrite(now, false), nil
	}

	if m.ID == message.Piece {
		index, begin, block, ok := m.ParsePiece()
		if !ok {
			return e.disconnect(InvalidMessage, errors.New("malformed piece message"), false)
		}
		pieceMsg := piece.Message{Index: index, BlockOffset: begin, BlockLength: uint32(len(block))}

		tok := e.disk.NewToken()
		e.state = wireState{kind: stateDiskReserve, token: tok, len: int64(len(block))}
		e.pendingBlock = append([]byte(nil), block...)
		e.pendingPiece = pieceMsg

		e.toDisk.TrySend(disk.InMessage{
			Kind:  disk.ReserveBlock,
			Token: tok,
			Hash:  e.hash,
			Piece: pieceMsg,
			Reply: e.diskReply,
		})
		e.toSelector.TrySend(selector.InMessage{ID: e.id, Kind: selector.InPeerPiece, Token: tok, Piece: pieceMsg})

		return e.currentIntent(now), nil
	}

	e.emitInbound(m)
	e.state = wireState{kind: stateReadLength}
	return e.advanceWrite(now, false), nil
}

// emitInbound converts a decoded non-Piece, non-KeepAlive message into an
// InMessage for the selector.
func (e *Engine) emitInbound(m *message.Message) {
	im := selector.InMessage{ID: e.id}
	switch m.ID {
	case message.Choke:
		im.Kind = selector.InPeerChoke
	case message.Unchoke:
		im.Kind = selector.InPeerUnchoke
	case message.Interested:
		im.Kind = selector.InPeerInterested
	case message.NotInterested:
		im.Kind = selector.InPeerNotInterested
	case message.Have:
		idx, _ := m.ParseHave()
		im.Kind = selector.InPeerHave
		im.Have = idx
	case message.Bitfield:
		im.Kind = selector.InPeerBitField
		im.BitMask = m.Payload
	case message.Request:
		idx, begin, length, _ := m.ParseRequest()
		im.Kind = selector.InPeerRequest
		im.Request = piece.Message{Index: idx, BlockOffset: begin, BlockLength: length}
	case message.Cancel:
		idx, begin, length, _ := m.ParseRequest()
		im.Kind = selector.InPeerCancel
		im.Request = piece.Message{Index: idx, BlockOffset: begin, BlockLength: length}
	default:
		panic(fmt.Sprintf("wire: unexpected message id %v reached emitInbound", m.ID))
	}
	e.toSelector.TrySend(im)
}

// BytesFlushed is called once a previously written message has been fully
// flushed to the peer socket.
func (e *Engine) BytesFlushed(now time.Time) (Intent, error) {
	if e.peerTimedOut(now) {
		return e.disconnect(RemoteTimeout, nil, false)
	}
	e.state = wireState{kind: stateReadLength}
	return e.advanceWrite(now, true), nil
}

// advanceWrite implements the half-duplex "aggressively try to write"
// transition: from ReadLength, if the write queue is non-empty, pop its
// front, serialize it, splice in any disk-loaded block, and move to
// WritePayload. flushed is true when called as a result of a completed
// flush (to ack outbound credit is the caller's — the selector side's —
// responsibility via SplitSender.Ack, triggered by the same event).
func (e *Engine) advanceWrite(now time.Time, flushed bool) Intent {
	if len(e.writeQueue) > 0 && e.state.kind == stateReadLength {
		entry := e.writeQueue[0]
		e.writeQueue = e.writeQueue[1:]

		msg := entry.build()
		e.outBuf = message.Encode(msg)

		if entry.hasToken {
			headerLen := len(e.outBuf) - int(entry.piece.BlockLength)
			if _, err := e.disk.ReadBlock(entry.token, e.outBuf[headerLen:]); err != nil {
				// The disk layer is the source of truth for loaded blocks;
				// a missing token here is a programmer bug, not a peer fault.
				panic(fmt.Sprintf("wire: read loaded block for token %v: %v", entry.token, err))
			}
			e.toDisk.TrySend(disk.InMessage{Kind: disk.ReclaimBlock, Token: entry.token})
		}

		e.state = wireState{kind: stateWritePayload}
	}

	return e.currentIntent(now)
}

// OutBuf returns the bytes most recently staged for the peer socket by
// advanceWrite, valid until the next WritePayload transition. A minimal
// driver writes these bytes and, once flushed, calls BytesFlushed.
func (e *Engine) OutBuf() []byte { return e.outBuf }

// Wakeup drains both event channels non-blockingly: disk completions
// (BlockLoaded/BlockReserved) and selector-originated outbound messages.
// The two are modeled as distinct Go channels rather than one tagged-union
// channel, since the source's single "inbound receiver" merges message
// kinds that Go's type system expresses more directly as separate typed
// channels; the draining behavior — process everything currently
// available, then return — is equivalent.
func (e *Engine) Wakeup(now time.Time) (Intent, error) {
	if e.peerTimedOut(now) {
		return e.disconnect(RemoteTimeout, nil, false)
	}

	for {
		select {
		case ev := <-e.diskEvents:
			if err := e.processDiskEvent(ev); err != nil {
				return e.disconnect(InvalidMessage, err, false)
			}
			continue
		default:
		}

		select {
		case ev, ok := <-e.selectorEvents:
			if !ok {
				return e.disconnect(RemoteDisconnect, errors.New("selector channel closed"), true)
			}
			disconnectRequested := e.processSelectorMessage(now, ev)
			if disconnectRequested {
				return e.disconnect(RemoteDisconnect, nil, true)
			}
			continue
		default:
		}

		break
	}

	return e.advanceWrite(now, false), nil
}

// processDiskEvent handles one disk completion. BlockReserved is resolved
// immediately using the bytes already buffered in pendingBlock (from the
// BytesRead call that produced the Piece header): it writes them into the
// reserved slot, issues ProcessBlock, and returns to ReadLength.
// BlockLoaded instead moves the now-ready outbound Piece from block_queue
// to the write queue; its bytes are pulled from the disk layer lazily, at
// the moment it is popped for writing (see advanceWrite).
func (e *Engine) processDiskEvent(ev disk.OutMessage) error {
	switch ev.Kind {
	case disk.BlockLoaded:
		pieceMsg, ok := e.blockQueue[ev.Token]
		if !ok {
			return fmt.Errorf("wire: BlockLoaded for unknown token %v", ev.Token)
		}
		delete(e.blockQueue, ev.Token)
		e.writeQueue = append(e.writeQueue, queueEntry{
			kind: message.Piece, piece: pieceMsg, hasToken: true, token: ev.Token,
		})
		return nil

	case disk.BlockReserved:
		if e.state.kind != stateDiskReserve || e.state.token != ev.Token {
			return fmt.Errorf("wire: BlockReserved for unexpected token %v in state %v", ev.Token, e.state.kind)
		}

		if _, err := e.disk.WriteBlock(ev.Token, e.pendingBlock); err != nil {
			return err
		}
		e.toDisk.TrySend(disk.InMessage{Kind: disk.ProcessBlock, Token: ev.Token, Piece: e.pendingPiece})

		e.pendingBlock = nil
		e.pendingPiece = piece.Message{}
		e.state = wireState{kind: stateReadLength}
		return nil

	default:
		return fmt.Errorf("wire: invalid disk event kind %v", ev.Kind)
	}
}

func (e *Engine) processSelectorMessage(now time.Time, m selector.OutMessage) (disconnectRequested bool) {
	e.lastSent = now

	switch m.Kind {
	case selector.OutPeerDisconnect:
		return true
	case selector.OutPeerKeepAlive:
		e.writeQueue = append(e.writeQueue, queueEntry{isKeepAlive: true})
	case selector.OutChoke:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Choke})
	case selector.OutUnchoke:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Unchoke})
	case selector.OutInterested:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Interested})
	case selector.OutNotInterested:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.NotInterested})
	case selector.OutHave:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Have, piece: piece.Message{Index: m.Have}})
	case selector.OutBitField:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Bitfield, bits: m.Bits})
	case selector.OutRequest:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Request, piece: m.Req})
	case selector.OutCancel:
		e.writeQueue = append(e.writeQueue, queueEntry{kind: message.Cancel, piece: m.Req})
	case selector.OutPeerPiece:
		tok := e.disk.NewToken()
		e.toDisk.TrySend(disk.InMessage{
			Kind: disk.LoadBlock, Token: tok, Hash: e.hash, Piece: m.Piece, Reply: e.diskReply,
		})
		e.blockQueue[tok] = m.Piece
	}

	return false
}

// Idle is called by the driver when the current Intent's deadline elapses
// without the corresponding event (bytes, flush, or disk/selector wakeup)
// occurring. If nothing has been sent since SelfTimeout ago, a KeepAlive is
// enqueued and the self-timeout clock resets.
func (e *Engine) Idle(now time.Time) (Intent, error) {
	if e.peerTimedOut(now) {
		return e.disconnect(RemoteTimeout, nil, false)
	}
	if now.Sub(e.lastSent) >= SelfTimeout {
		e.lastSent = now
		e.writeQueue = append(e.writeQueue, queueEntry{isKeepAlive: true})
	}
	return e.advanceWrite(now, false), nil
}

// ID returns the selector connection identifier for this engine.
func (e *Engine) ID() selector.ConnID { return e.id }

// PendingSelectorWrites reports the number of unacked selector->wire
// messages, for callers tracking their own SplitSender credit externally.
func (e *Engine) PendingSelectorWrites() int { return len(e.writeQueue) + len(e.blockQueue) }

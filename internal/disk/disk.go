// Package disk implements the disk-access collaborator the wire engine
// talks to: an asynchronous message interface (Load/Reserve/Process/Reclaim
// in, BlockLoaded/BlockReserved out) layered over a synchronous buffer
// access capability the engine uses to move bytes in and out of its own
// read/write buffers.
//
// Per-torrent state (piece accessor + checker state) is single-threaded by
// convention in the source reactor model; this implementation instead
// guards it with a mutex so a single Manager can be driven from multiple
// connection goroutines without each caller needing its own serialization.
package disk

import (
	"errors"
	"sync"

	"github.com/dorhq/warren/internal/accessor"
	"github.com/dorhq/warren/internal/checker"
	"github.com/dorhq/warren/internal/meta"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/relay"
	"github.com/dorhq/warren/internal/token"
	"github.com/dorhq/warren/internal/vfs"
)

// Namespace disambiguates torrents sharing one disk manager. The source
// field it is grounded on is currently ignored in routing (see the open
// question about namespace threading); events are routed by token alone.
type Namespace uint64

// Kind tags the variant of a message flowing into the disk layer.
type Kind uint8

const (
	LoadBlock Kind = iota
	ReserveBlock
	ProcessBlock
	ReclaimBlock
)

// InMessage is a single request into the disk layer. Reply is the sender
// the resulting OutMessage (if any) should be delivered through; it is
// nil for ProcessBlock and ReclaimBlock, which produce no reply.
type InMessage struct {
	Kind  Kind
	Token token.Token
	Hash  [20]byte
	Piece piece.Message
	Reply *relay.ProtocolSender[OutMessage]
}

// OutKind tags the variant of a message flowing out of the disk layer.
type OutKind uint8

const (
	BlockLoaded OutKind = iota
	BlockReserved
)

// OutMessage reports the completion of a LoadBlock or ReserveBlock request.
type OutMessage struct {
	Kind      OutKind
	Namespace Namespace
	Token     token.Token
}

// ErrUnknownToken is returned by ReadBlock/WriteBlock when no block is
// currently reserved or loaded under the given token. A caller hitting
// this after a legitimate Reclaim is a bug in the caller, not the disk
// layer: the disk layer itself tolerates orphaned tokens silently.
var ErrUnknownToken = errors.New("disk: unknown token")

// ErrBlockOutOfRange is returned by LoadBlock/ReserveBlock when the
// requested piece/block coordinate does not fit the torrent's layout: an
// out-of-range piece index, a block window exceeding that piece's actual
// length, or a block larger than the conventional wire block size. A peer
// is untrusted input; these coordinates come off the wire and must be
// validated before any buffer is allocated or file touched.
var ErrBlockOutOfRange = errors.New("disk: block out of range")

type block struct {
	buf []byte
}

// Manager owns one torrent's accessor and checker state, and the set of
// in-flight blocks referenced by token.
type Manager struct {
	mu        sync.Mutex
	namespace Namespace
	acc       *accessor.Accessor
	state     *checker.State
	blocks    map[token.Token]*block
	tokens    token.Generator
	totalSize uint64
	pieceLen  uint32
}

// NewToken allocates a fresh, process-unique correlation token. Token
// issuance belongs to the disk layer: it is the disk manager, not the wire
// engine, that requesters ask for a new token before issuing LoadBlock or
// ReserveBlock.
func (m *Manager) NewToken() token.Token { return m.tokens.Next() }

// NewManager validates the torrent's files, performs the initial full scan
// through the piece checker, and returns a Manager ready to serve requests.
func NewManager(ns Namespace, fs vfs.FS, info *meta.InfoDictionary) (*Manager, error) {
	chk, err := checker.New(fs, info)
	if err != nil {
		return nil, err
	}

	state, err := chk.Run()
	if err != nil {
		return nil, err
	}

	return &Manager{
		namespace: ns,
		acc:       accessor.New(fs, info),
		state:     state,
		blocks:    make(map[token.Token]*block),
		totalSize: uint64(info.TotalLength()),
		pieceLen:  uint32(info.PieceLength),
	}, nil
}

// validateBlock rejects a peer-supplied piece/block coordinate that does
// not fit the torrent's layout, before any buffer is allocated or file
// touched.
func (m *Manager) validateBlock(msg piece.Message) error {
	if msg.BlockLength == 0 || msg.BlockLength > piece.MaxBlockLength {
		return ErrBlockOutOfRange
	}

	length, ok := piece.LengthAt(msg.Index, m.totalSize, m.pieceLen)
	if !ok {
		return ErrBlockOutOfRange
	}

	if uint64(msg.BlockOffset)+uint64(msg.BlockLength) > uint64(length) {
		return ErrBlockOutOfRange
	}

	return nil
}

// State exposes the piece checker state so a caller can drain newly
// classified pieces (RunWithDiff) or feed in whole-piece rechecks.
func (m *Manager) State() *checker.State { return m.state }

// Submit processes one inbound disk message, performing file I/O as
// needed, and delivers the corresponding OutMessage via msg.Reply.
func (m *Manager) Submit(msg InMessage) error {
	switch msg.Kind {
	case LoadBlock:
		return m.loadBlock(msg)
	case ReserveBlock:
		return m.reserveBlock(msg)
	case ProcessBlock:
		return m.processBlock(msg)
	case ReclaimBlock:
		m.reclaimBlock(msg.Token)
		return nil
	default:
		return errors.New("disk: invalid message kind")
	}
}

func (m *Manager) loadBlock(msg InMessage) error {
	if err := m.validateBlock(msg.Piece); err != nil {
		return err
	}

	buf := make([]byte, msg.Piece.BlockLength)

	m.mu.Lock()
	err := m.acc.ReadPiece(buf, msg.Piece)
	if err == nil {
		m.blocks[msg.Token] = &block{buf: buf}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if msg.Reply != nil {
		msg.Reply.TrySend(OutMessage{Kind: BlockLoaded, Namespace: m.namespace, Token: msg.Token})
	}
	return nil
}

func (m *Manager) reserveBlock(msg InMessage) error {
	if err := m.validateBlock(msg.Piece); err != nil {
		return err
	}

	buf := make([]byte, msg.Piece.BlockLength)

	m.mu.Lock()
	m.blocks[msg.Token] = &block{buf: buf}
	m.mu.Unlock()

	if msg.Reply != nil {
		msg.Reply.TrySend(OutMessage{Kind: BlockReserved, Namespace: m.namespace, Token: msg.Token})
	}
	return nil
}

// processBlock commits a previously reserved, now-filled block: it is
// written to disk through the accessor and folded into the checker state
// as a pending block for future whole-piece verification.
func (m *Manager) processBlock(msg InMessage) error {
	m.mu.Lock()
	b, ok := m.blocks[msg.Token]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownToken
	}
	delete(m.blocks, msg.Token)

	err := m.acc.WritePiece(b.buf, msg.Piece)
	if err == nil {
		m.state.AddPendingBlock(msg.Piece)
	}
	m.mu.Unlock()

	return err
}

// reclaimBlock releases a loaded outbound block's buffer. An unknown token
// is tolerated: the corresponding connection may have already disconnected
// and dropped its block_queue entries, orphaning the token.
func (m *Manager) reclaimBlock(t token.Token) {
	m.mu.Lock()
	delete(m.blocks, t)
	m.mu.Unlock()
}

// ReadBlock copies a loaded block's bytes into dst, satisfying the
// synchronous disk-access capability the wire engine uses to fill its own
// write buffer (e.g. after a BlockLoaded event).
func (m *Manager) ReadBlock(t token.Token, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[t]
	if !ok {
		return 0, ErrUnknownToken
	}
	return copy(dst, b.buf), nil
}

// WriteBlock copies src into a reserved block's buffer, satisfying the
// synchronous disk-access capability the wire engine uses after a
// BlockReserved event to move freshly read socket bytes into place before
// issuing ProcessBlock.
func (m *Manager) WriteBlock(t token.Token, src []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[t]
	if !ok {
		return 0, ErrUnknownToken
	}
	return copy(b.buf, src), nil
}

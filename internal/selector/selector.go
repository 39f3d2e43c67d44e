// Package selector defines the message vocabulary exchanged between the
// wire engine and its upstream piece-selection collaborator. The selector
// itself — which pieces to request, which peers to choke — is out of scope;
// only the shape of what crosses that boundary lives here.
package selector

import (
	"github.com/dorhq/warren/internal/message"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/token"
)

// ConnID identifies one wire engine connection to the selector.
type ConnID uint64

// InKind tags the variant of a message flowing into the selector (from a
// wire engine).
type InKind uint8

const (
	InPeerConnect InKind = iota
	InPeerDisconnect
	InPeerChoke
	InPeerUnchoke
	InPeerInterested
	InPeerNotInterested
	InPeerHave
	InPeerBitField
	InPeerRequest
	InPeerPiece
	InPeerCancel
)

// InMessage is a single OProtocolMessage: a wire engine reporting an event
// on connection ID to the selector.
//
// There is no reply channel carried on PeerConnect: whoever accepts a
// connection and constructs its wire.Engine already owns the
// selectorEvents channel that Engine.Wakeup drains (it is passed into
// wire.New directly), so the selector routes replies back to a
// connection by keeping its own ID-to-channel map populated at the same
// point it registers the connection, not by reading it off this message.
type InMessage struct {
	ID      ConnID
	Kind    InKind
	Hash    [20]byte // PeerConnect: the connection's info-hash
	Have    uint32   // PeerHave
	BitMask []byte   // PeerBitField
	Request piece.Message
	Piece   piece.Message
	Token   token.Token // PeerPiece: identifies this specific piece request
}

// OutKind tags the variant of a message flowing out of the selector (to a
// wire engine).
type OutKind uint8

const (
	OutPeerKeepAlive OutKind = iota
	OutPeerDisconnect
	OutChoke
	OutUnchoke
	OutInterested
	OutNotInterested
	OutHave
	OutBitField
	OutRequest
	OutCancel
	OutPeerPiece
)

// OutMessage is a single OSelectorMessage directed at one wire engine
// connection.
type OutMessage struct {
	Kind  OutKind
	Have  uint32
	Bits  []byte
	Req   piece.Message
	Piece piece.Message
}

// ToWireMessage converts the subset of OutMessage kinds that map directly
// onto a wire message (everything except PeerPiece, which the engine must
// first resolve through the disk layer, and PeerDisconnect, which is not a
// wire message). ok is false for PeerPiece and PeerDisconnect.
func (m OutMessage) ToWireMessage() (*message.Message, bool) {
	switch m.Kind {
	case OutPeerKeepAlive:
		return nil, true
	case OutChoke:
		return message.NewChoke(), true
	case OutUnchoke:
		return message.NewUnchoke(), true
	case OutInterested:
		return message.NewInterested(), true
	case OutNotInterested:
		return message.NewNotInterested(), true
	case OutHave:
		return message.NewHave(m.Have), true
	case OutBitField:
		return message.NewBitfield(m.Bits), true
	case OutRequest:
		return message.NewRequest(m.Req.Index, m.Req.BlockOffset, m.Req.BlockLength), true
	case OutCancel:
		return message.NewCancel(m.Req.Index, m.Req.BlockOffset, m.Req.BlockLength), true
	default:
		return nil, false
	}
}

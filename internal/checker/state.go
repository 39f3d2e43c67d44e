// Package checker validates on-disk files against a torrent's piece hashes
// and accumulates partial block writes into whole-piece hash checks.
package checker

import (
	"sort"

	"github.com/dorhq/warren/internal/piece"
)

// State accumulates pending block writes per piece and reports
// newly-classified Good/Bad pieces to its caller.
//
// State is owned by the disk layer and accessed single-threadedly; it has
// no internal locking.
type State struct {
	newStates []piece.StateEntry
	// oldStates holds the most recent classification seen per piece index.
	// RunWithWholePieces only skips a piece when its current entry is
	// Good: Bad entries land here too (see RunWithDiff) but do not
	// suppress re-checking.
	oldStates      map[uint32]piece.State
	pendingBlocks  map[uint32][]piece.Message
	totalPieces    uint32
	lastPieceSize  uint32
}

// NewState constructs a State with capacity zero, parameterized by the
// piece count and the size of the final piece as derived from the metainfo.
func NewState(totalPieces, lastPieceSize uint32) *State {
	return &State{
		oldStates:     make(map[uint32]piece.State),
		pendingBlocks: make(map[uint32][]piece.Message),
		totalPieces:   totalPieces,
		lastPieceSize: lastPieceSize,
	}
}

// AddPendingBlock appends m to the pending block list for its piece.
func (s *State) AddPendingBlock(m piece.Message) {
	s.pendingBlocks[m.Index] = append(s.pendingBlocks[m.Index], m)
}

// MergePieces sorts each piece's pending block list by offset and merges
// adjacent or overlapping entries until no further merge is possible.
// Idempotent: a second call with no intervening AddPendingBlock is a no-op.
func (s *State) MergePieces() {
	for idx, messages := range s.pendingBlocks {
		sort.Slice(messages, func(i, j int) bool {
			return messages[i].BlockOffset < messages[j].BlockOffset
		})

		merged := messages[:0]
		for _, m := range messages {
			if n := len(merged); n > 0 {
				if joined, ok := mergeMessages(merged[n-1], m); ok {
					merged[n-1] = joined
					continue
				}
			}
			merged = append(merged, m)
		}

		s.pendingBlocks[idx] = merged
	}
}

// mergeMessages merges a and b (a.BlockOffset <= b.BlockOffset) into one
// message spanning their union, if they are adjacent or overlapping.
func mergeMessages(a, b piece.Message) (piece.Message, bool) {
	if b.BlockOffset < a.BlockOffset || b.BlockOffset > a.End() {
		return piece.Message{}, false
	}

	end := a.End()
	if b.End() > end {
		end = b.End()
	}

	return piece.Message{
		Index:       a.Index,
		BlockOffset: a.BlockOffset,
		BlockLength: end - a.BlockOffset,
	}, true
}

// WholePieceCallback hashes and verifies the content described by m,
// reporting whether the piece is good. An error aborts the scan (e.g. an
// I/O failure reading the piece); the piece is not marked Good in that case.
type WholePieceCallback func(m piece.Message) (good bool, err error)

// RunWithWholePieces merges pending blocks, then for every piece whose
// merged list holds exactly one entry spanning the whole piece (or the
// whole final piece), and which is not already classified Good, invokes cb
// and records the resulting Good/Bad classification into newStates.
func (s *State) RunWithWholePieces(pieceLength uint32, cb WholePieceCallback) error {
	s.MergePieces()

	for idx, messages := range s.pendingBlocks {
		if !s.pieceIsComplete(idx, pieceLength, messages) {
			continue
		}
		if st, ok := s.oldStates[idx]; ok && st == piece.Good {
			continue
		}

		good, err := cb(messages[0])
		if err != nil {
			return err
		}

		state := piece.Bad
		if good {
			state = piece.Good
		}
		s.newStates = append(s.newStates, piece.StateEntry{Index: idx, State: state})
		s.pendingBlocks[idx] = messages[:0]
	}

	return nil
}

func (s *State) pieceIsComplete(idx uint32, pieceLength uint32, messages []piece.Message) bool {
	if len(messages) != 1 {
		return false
	}

	m := messages[0]
	if m.BlockLength == pieceLength {
		return true
	}

	return idx == s.totalPieces-1 && m.BlockLength == s.lastPieceSize
}

// RunWithDiff drains newStates, invoking cb for each entry in order, and
// inserts every entry into oldStates regardless of whether it is Good or
// Bad.
//
// This mirrors the source's structural behavior exactly: despite the intent
// that "Bad pieces are dropped" (so they get re-checked), the drain loop
// inserts both kinds into old_states. Re-check eligibility is unaffected
// because RunWithWholePieces only special-cases entries recorded as Good.
func (s *State) RunWithDiff(cb func(piece.StateEntry)) {
	for _, entry := range s.newStates {
		cb(entry)
		s.oldStates[entry.Index] = entry.State
	}
	s.newStates = s.newStates[:0]
}

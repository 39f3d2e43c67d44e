package piece

// Count returns how many pieces are needed to cover size bytes of content.
func Count(size uint64, pieceLen uint32) (uint32, bool) {
	if size == 0 || pieceLen == 0 {
		return 0, false
	}

	return uint32((size + uint64(pieceLen) - 1) / uint64(pieceLen)), true
}

// LastLength returns the exact byte length of the final piece.
//
// If size is a perfect multiple of pieceLen, the final piece is a full
// pieceLen bytes.
func LastLength(size uint64, pieceLen uint32) (uint32, bool) {
	if size == 0 || pieceLen == 0 {
		return 0, false
	}

	rem := size % uint64(pieceLen)
	if rem == 0 {
		return pieceLen, true
	}

	return uint32(rem), true
}

// LengthAt returns the length of piece index. All pieces are pieceLen
// bytes except the last, which may be shorter.
func LengthAt(index uint32, size uint64, pieceLen uint32) (uint32, bool) {
	count, ok := Count(size, pieceLen)
	if !ok || index >= count {
		return 0, false
	}

	if index == count-1 {
		return LastLength(size, pieceLen)
	}

	return pieceLen, true
}

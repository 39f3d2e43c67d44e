package checker

import (
	"crypto/sha1"
	"fmt"

	"github.com/dorhq/warren/internal/accessor"
	"github.com/dorhq/warren/internal/meta"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/vfs"
)

// FileSizeError reports that a pre-existing file does not match the size
// the metainfo declares for it. It is fatal to that torrent's
// initialization: the caller must not overwrite the mismatched file.
type FileSizeError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *FileSizeError) Error() string {
	return fmt.Sprintf("checker: %s: expected size %d, got %d", e.Path, e.Expected, e.Actual)
}

// Checker validates file sizes at startup and drives an initial full-scan
// hash check against an Accessor.
type Checker struct {
	fs    vfs.FS
	info  *meta.InfoDictionary
	acc   *accessor.Accessor
	state *State
}

// New builds a Checker and its initial State. It does not touch the
// filesystem; call Run to validate sizes and perform the startup scan.
func New(fs vfs.FS, info *meta.InfoDictionary) (*Checker, error) {
	totalPieces, ok := piece.Count(uint64(info.TotalLength()), uint32(info.PieceLength))
	if !ok {
		return nil, fmt.Errorf("checker: invalid piece length or empty torrent")
	}
	lastPieceSize, ok := piece.LastLength(uint64(info.TotalLength()), uint32(info.PieceLength))
	if !ok {
		return nil, fmt.Errorf("checker: invalid piece length or empty torrent")
	}

	return &Checker{
		fs:    fs,
		info:  info,
		acc:   accessor.New(fs, info),
		state: NewState(totalPieces, lastPieceSize),
	}, nil
}

// Run performs the full startup sequence: validate file sizes, register
// one pending full-piece block per piece, then hash and classify every
// piece, returning the resulting State.
func (c *Checker) Run() (*State, error) {
	if err := c.validateFileSizes(); err != nil {
		return nil, err
	}
	c.fillCheckerState()
	if err := c.calculateDiff(); err != nil {
		return nil, err
	}
	return c.state, nil
}

// validateFileSizes opens every file in the layout. A zero-size file is
// treated as not-yet-allocated and sparse-allocated to its expected size by
// writing a single zero byte at the last offset; a file present with any
// other wrong size fails with FileSizeError.
func (c *Checker) validateFileSizes() error {
	for _, spec := range c.acc.Files() {
		expected := spec.Length

		f, err := c.fs.Open(spec.Path)
		if err != nil {
			return fmt.Errorf("checker: open %s: %w", spec.Path, err)
		}

		actual, err := f.Size()
		if err != nil {
			f.Close()
			return fmt.Errorf("checker: size %s: %w", spec.Path, err)
		}

		switch {
		case actual == expected:
			// already correctly sized

		case actual == 0:
			if expected > 0 {
				if _, err := f.WriteAt([]byte{0}, expected-1); err != nil {
					f.Close()
					return fmt.Errorf("checker: allocate %s: %w", spec.Path, err)
				}
			}

		default:
			f.Close()
			return &FileSizeError{Path: spec.Path, Expected: expected, Actual: actual}
		}

		if err := f.Close(); err != nil {
			return fmt.Errorf("checker: close %s: %w", spec.Path, err)
		}
	}

	return nil
}

// fillCheckerState registers one pending full-piece block per whole piece,
// plus a final partial-piece block if the content does not divide evenly.
func (c *Checker) fillCheckerState() {
	pieceLength := uint64(c.info.PieceLength)
	totalBytes := uint64(c.info.TotalLength())

	fullPieces := totalBytes / pieceLength
	for i := uint64(0); i < fullPieces; i++ {
		c.state.AddPendingBlock(piece.Message{
			Index:       uint32(i),
			BlockOffset: 0,
			BlockLength: uint32(pieceLength),
		})
	}

	if rem := totalBytes % pieceLength; rem != 0 {
		c.state.AddPendingBlock(piece.Message{
			Index:       uint32(fullPieces),
			BlockOffset: 0,
			BlockLength: uint32(rem),
		})
	}
}

// calculateDiff reads and hashes every piece ready for a whole-piece check,
// comparing against the metainfo's declared hash for that index.
func (c *Checker) calculateDiff() error {
	buf := make([]byte, c.info.PieceLength)

	return c.state.RunWithWholePieces(uint32(c.info.PieceLength), func(m piece.Message) (bool, error) {
		region := buf[:m.BlockLength]
		if err := c.acc.ReadPiece(region, m); err != nil {
			return false, fmt.Errorf("checker: read piece %d: %w", m.Index, err)
		}

		got := sha1.Sum(region)
		want := c.info.Pieces[m.Index]

		return got == want, nil
	})
}

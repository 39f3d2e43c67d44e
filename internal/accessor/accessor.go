// Package accessor maps a piece/block coordinate onto one or more segments
// of a torrent's file set, reading or writing the corresponding bytes.
//
// The region-mapping walk is the one load-bearing algorithm in this
// package: conceptually concatenate every file in metainfo order, locate the
// block's absolute byte range within that concatenation, and invoke a
// callback once per file the range touches.
package accessor

import (
	"fmt"
	"path"

	"github.com/dorhq/warren/internal/meta"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/vfs"
)

// Accessor reads and writes piece blocks against a concrete file layout.
type Accessor struct {
	fs          vfs.FS
	files       []fileSpan
	dir         string
	pieceLength int64
}

type fileSpan struct {
	path   string // joined, POSIX-separated, relative to dir
	length int64
}

// New builds an Accessor over info's file list, resolved under fs.
func New(fs vfs.FS, info *meta.InfoDictionary) *Accessor {
	dir := info.Directory()
	spans := make([]fileSpan, len(info.Files))
	for i, f := range info.Files {
		spans[i] = fileSpan{path: joinPath(dir, f.Path), length: f.Length}
	}

	return &Accessor{
		fs:          fs,
		files:       spans,
		dir:         dir,
		pieceLength: info.PieceLength,
	}
}

// joinPath joins parent with each path component using '/', regardless of
// host platform: the metainfo's paths are POSIX, not platform-native.
func joinPath(parent string, components []string) string {
	return path.Join(append([]string{parent}, components...)...)
}

var (
	// ErrShortTransfer means a file read or write returned fewer bytes
	// than the region it was asked to cover; this is a bug in the
	// underlying filesystem layer, not a recoverable condition.
	ErrShortTransfer = fmt.Errorf("accessor: short file transfer")
)

// transferFunc performs the actual bytes-in/bytes-out for one file region.
// begin/end are offsets into the caller's block buffer; off is the
// corresponding offset within the file.
type transferFunc func(f vfs.File, off int64, begin, end int64) (int, error)

// walk locates m's absolute byte range within the concatenated file list and
// invokes xfer once per file the range intersects, in file order. It returns
// an error unless exactly m.BlockLength bytes were serviced.
func (a *Accessor) walk(m piece.Message, xfer transferFunc) error {
	absoluteStart := int64(m.Index)*a.pieceLength + int64(m.BlockOffset)
	blockLength := int64(m.BlockLength)

	bytesToSkip := absoluteStart
	var bytesAccessed int64

	for _, span := range a.files {
		if bytesAccessed >= blockLength {
			break
		}
		if span.length == 0 {
			continue
		}

		skippedHere := bytesToSkip
		if skippedHere > span.length {
			skippedHere = span.length
		}
		bytesToSkip -= skippedHere

		available := span.length - skippedHere
		if available <= 0 {
			continue
		}

		off := span.length - available
		take := blockLength - bytesAccessed
		if take > available {
			take = available
		}
		if take <= 0 {
			continue
		}

		f, err := a.fs.Open(span.path)
		if err != nil {
			return fmt.Errorf("accessor: open %s: %w", span.path, err)
		}

		begin := bytesAccessed
		end := bytesAccessed + take

		n, err := xfer(f, off, begin, end)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("accessor: %s: %w", span.path, err)
		}
		if int64(n) != end-begin {
			return fmt.Errorf("%w: %s: got %d, want %d", ErrShortTransfer, span.path, n, end-begin)
		}
		if closeErr != nil {
			return fmt.Errorf("accessor: close %s: %w", span.path, closeErr)
		}

		bytesAccessed += take
	}

	if bytesAccessed != blockLength {
		return fmt.Errorf("accessor: block only partially mapped onto file set: got %d, want %d", bytesAccessed, blockLength)
	}

	return nil
}

// ReadPiece fills buf (len(buf) == m.BlockLength) with the bytes for m,
// reading across file boundaries as needed.
func (a *Accessor) ReadPiece(buf []byte, m piece.Message) error {
	return a.walk(m, func(f vfs.File, off int64, begin, end int64) (int, error) {
		return f.ReadAt(buf[begin:end], off)
	})
}

// WritePiece writes buf (len(buf) == m.BlockLength) into the file region(s)
// corresponding to m.
func (a *Accessor) WritePiece(buf []byte, m piece.Message) error {
	return a.walk(m, func(f vfs.File, off int64, begin, end int64) (int, error) {
		return f.WriteAt(buf[begin:end], off)
	})
}

// FilePath returns the resolved, '/'-joined path for file index i, for
// diagnostics and tests.
func (a *Accessor) FilePath(i int) string { return a.files[i].path }

// FileSpec is a resolved path paired with its declared length, for callers
// (the checker's startup validation) that need to open files directly
// rather than through the block-mapping walk.
type FileSpec struct {
	Path   string
	Length int64
}

// Files returns the resolved path and declared length of every file in
// layout order.
func (a *Accessor) Files() []FileSpec {
	out := make([]FileSpec, len(a.files))
	for i, f := range a.files {
		out[i] = FileSpec{Path: f.path, Length: f.length}
	}
	return out
}

// TotalSize returns the sum of all file lengths.
func (a *Accessor) TotalSize() int64 {
	var sum int64
	for _, f := range a.files {
		sum += f.length
	}
	return sum
}

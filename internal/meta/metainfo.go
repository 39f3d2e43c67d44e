// Package meta exposes the minimal torrent metainfo surface the core needs:
// piece length, piece hashes, and the file list that the piece accessor maps
// block windows onto. Full metainfo parsing (trackers, private flags, creation
// metadata, magnet links) belongs to a collaborator outside this module; this
// package only knows enough of the bencode dictionary to build an
// InfoDictionary.
package meta

import (
	"crypto/sha1"
	"fmt"

	"github.com/dorhq/warren/internal/bencode"
	"github.com/dorhq/warren/internal/cast"
)

// File is a single entry in a multi-file torrent's file list. Path is the
// POSIX-style list of path segments relative to the torrent's directory.
type File struct {
	Path   []string
	Length int64
}

// InfoDictionary is the subset of a torrent's "info" dictionary required to
// check and access pieces. For a single-file torrent, Files holds exactly one
// synthetic entry so every caller can treat layouts uniformly.
type InfoDictionary struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Files       []File
	// Dir is the parent directory files are resolved under. Empty means
	// "."; see Directory().
	Dir string
}

var (
	ErrTopLevelNotDict     = fmt.Errorf("metainfo: top-level is not a dict")
	ErrInfoMissing         = fmt.Errorf("metainfo: 'info' missing")
	ErrInfoNotDict         = fmt.Errorf("metainfo: 'info' is not a dict")
	ErrNameMissing         = fmt.Errorf("metainfo: 'info' name missing")
	ErrPieceLenMissing     = fmt.Errorf("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = fmt.Errorf("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = fmt.Errorf("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = fmt.Errorf("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = fmt.Errorf("metainfo: invalid single/multi-file layout")
)

// TotalLength returns the sum of all file lengths.
func (d *InfoDictionary) TotalLength() int64 {
	var sum int64
	for _, f := range d.Files {
		sum += f.Length
	}
	return sum
}

// Directory returns the parent directory files are resolved under, defaulting
// to "." when the torrent has none set (matches the accessor's path-joining
// contract).
func (d *InfoDictionary) Directory() string {
	if d.Dir == "" {
		return "."
	}
	return d.Dir
}

// ParseInfoDictionary parses a bencoded .torrent file's top-level dictionary
// and returns its InfoDictionary plus the 20-byte SHA-1 info-hash.
//
// The info-hash is computed by re-marshaling the decoded "info" dict: bencode
// dictionaries are required to have sorted keys, so the re-encoding is
// byte-identical to the original as long as the source file was valid
// bencode.
func ParseInfoDictionary(data []byte) (*InfoDictionary, [sha1.Size]byte, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return nil, [sha1.Size]byte{}, ErrTopLevelNotDict
	}

	rawInfo, ok := root["info"]
	if !ok {
		return nil, [sha1.Size]byte{}, ErrInfoMissing
	}
	infoDict, ok := rawInfo.(map[string]any)
	if !ok {
		return nil, [sha1.Size]byte{}, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, [sha1.Size]byte{}, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return info, hash, nil
}

func parseInfo(dict map[string]any) (*InfoDictionary, error) {
	var out InfoDictionary

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	name, err := cast.ToString(nameVal)
	if err != nil || name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	out.Name = name

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Files = []File{{Path: []string{name}, Length: length}}

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		out.Dir = name

	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, File{Length: ln, Path: segments})
	}

	return files, nil
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}

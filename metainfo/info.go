// Package metainfo decodes .torrent files and magnet URIs into the
// structured descriptor used by the rest of the engine, computing the
// canonical info-digest along the way.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/mmcgrana/riptide/bencode"
)

// Errors returned by this package, named after spec §4.B's taxonomy.
var (
	ErrInvalidStructure = errors.New("metainfo: invalid structure")
	ErrInvalidMagnet    = errors.New("metainfo: invalid magnet uri")
)

// ErrBencode wraps a parse error from the bencode package.
type ErrBencode struct{ Err error }

func (e *ErrBencode) Error() string { return "metainfo: bencode error: " + e.Err.Error() }
func (e *ErrBencode) Unwrap() error { return e.Err }

// File describes one file inside a (possibly multi-file) torrent, and its
// byte offset within the concatenated stream of all files in order.
type File struct {
	Path   string // relative to Info.Name, joined with "/" regardless of OS
	Length int64
	Offset int64
}

// Info is the decoded "info" dictionary of a .torrent file: the part whose
// exact source bytes determine the info-digest.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 digests, one per piece
	Files       []File // always non-empty; single-file torrents get one entry
	Private     bool

	// Raw holds the exact bytes of the info dictionary as it appeared in
	// the source. Digest is SHA-1 of Raw, never of a re-encoding.
	Raw    []byte
	Digest [20]byte
}

// NewInfo parses raw as the bytes of an "info" dictionary (typically the
// slice a bencode.Decode call said it consumed) and computes its digest by
// hashing raw directly.
func NewInfo(raw []byte) (*Info, error) {
	v, n, err := bencode.Decode(raw)
	if err != nil {
		return nil, &ErrBencode{err}
	}
	if n != len(raw) {
		return nil, ErrInvalidStructure
	}
	if v.Kind != bencode.KindDict {
		return nil, ErrInvalidStructure
	}

	nameV, ok := v.Get("name")
	if !ok || nameV.Kind != bencode.KindString {
		return nil, ErrInvalidStructure
	}
	plV, ok := v.Get("piece length")
	if !ok || plV.Kind != bencode.KindInt || plV.Int < 1 {
		return nil, ErrInvalidStructure
	}
	piecesV, ok := v.Get("pieces")
	if !ok || piecesV.Kind != bencode.KindString || len(piecesV.Str)%20 != 0 {
		return nil, ErrInvalidStructure
	}

	info := &Info{
		Name:        string(nameV.Str),
		PieceLength: plV.Int,
		Pieces:      append([]byte(nil), piecesV.Str...),
		Raw:         append([]byte(nil), raw...),
		Digest:      sha1.Sum(raw),
	}

	if privV, ok := v.Get("private"); ok && privV.Kind == bencode.KindInt && privV.Int == 1 {
		info.Private = true
	}

	lengthV, hasLength := v.Get("length")
	filesV, hasFiles := v.Get("files")
	switch {
	case hasLength:
		if lengthV.Kind != bencode.KindInt || lengthV.Int < 0 {
			return nil, ErrInvalidStructure
		}
		info.Files = []File{{Path: info.Name, Length: lengthV.Int, Offset: 0}}
	case hasFiles:
		if filesV.Kind != bencode.KindList {
			return nil, ErrInvalidStructure
		}
		var offset int64
		for _, fv := range filesV.List {
			if fv.Kind != bencode.KindDict {
				return nil, ErrInvalidStructure
			}
			flV, ok := fv.Get("length")
			if !ok || flV.Kind != bencode.KindInt || flV.Int < 0 {
				return nil, ErrInvalidStructure
			}
			pathV, ok := fv.Get("path")
			if !ok || pathV.Kind != bencode.KindList || len(pathV.List) == 0 {
				return nil, ErrInvalidStructure
			}
			parts := make([]string, 0, len(pathV.List)+1)
			parts = append(parts, info.Name)
			for _, pv := range pathV.List {
				if pv.Kind != bencode.KindString {
					return nil, ErrInvalidStructure
				}
				parts = append(parts, string(pv.Str))
			}
			info.Files = append(info.Files, File{
				Path:   filepath.ToSlash(filepath.Join(parts...)),
				Length: flV.Int,
				Offset: offset,
			})
			offset += flV.Int
		}
	default:
		return nil, ErrInvalidStructure
	}

	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func (info *Info) validate() error {
	if len(info.Files) == 0 {
		return ErrInvalidStructure
	}
	total := info.TotalLength()
	n := info.NumPieces()
	if n == 0 && total > 0 {
		return ErrInvalidStructure
	}
	if len(info.Pieces) != n*20 {
		return ErrInvalidStructure
	}
	return nil
}

// TotalLength returns T, the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns N = ceil(T/L).
func (info *Info) NumPieces() int {
	total := info.TotalLength()
	if total == 0 {
		return len(info.Pieces) / 20
	}
	n := (total + info.PieceLength - 1) / info.PieceLength
	return int(n)
}

// PieceLen returns the length in bytes of piece i: PieceLength for every
// piece but the last, whose length is whatever remains of TotalLength().
func (info *Info) PieceLen(i int) int64 {
	n := info.NumPieces()
	if i == n-1 {
		rem := info.TotalLength() - int64(i)*info.PieceLength
		return rem
	}
	return info.PieceLength
}

// PieceDigest returns the expected 20-byte SHA-1 digest of piece i.
func (info *Info) PieceDigest(i int) []byte {
	return info.Pieces[i*20 : i*20+20]
}

// IsSingleFile reports whether this torrent describes exactly one file
// named after the torrent itself (the info.length form, as opposed to
// info.files).
func (info *Info) IsSingleFile() bool {
	return len(info.Files) == 1 && info.Files[0].Path == info.Name
}

// MetaInfo is the top-level decoded .torrent dictionary.
type MetaInfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Comment      string
	CreatedBy    string
}

// New decodes a .torrent file read from r.
func New(r io.Reader) (*MetaInfo, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a .torrent file already read into memory.
func Parse(b []byte) (*MetaInfo, error) {
	v, n, err := bencode.Decode(b)
	if err != nil {
		return nil, &ErrBencode{err}
	}
	if n != len(b) {
		return nil, ErrInvalidStructure
	}
	if v.Kind != bencode.KindDict {
		return nil, ErrInvalidStructure
	}

	infoV, ok := v.Get("info")
	if !ok || infoV.Kind != bencode.KindDict {
		return nil, ErrInvalidStructure
	}
	rawInfo, infoLen, err := locateInfoBytes(b, "info")
	if err != nil {
		return nil, err
	}
	_ = infoLen
	info, err := NewInfo(rawInfo)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{Info: info}
	if a, ok := v.Get("announce"); ok && a.Kind == bencode.KindString {
		mi.Announce = string(a.Str)
	}
	if al, ok := v.Get("announce-list"); ok && al.Kind == bencode.KindList {
		for _, tier := range al.List {
			if tier.Kind != bencode.KindList {
				continue
			}
			var urls []string
			for _, u := range tier.List {
				if u.Kind == bencode.KindString {
					urls = append(urls, string(u.Str))
				}
			}
			mi.AnnounceList = append(mi.AnnounceList, urls)
		}
	}
	if cd, ok := v.Get("creation date"); ok && cd.Kind == bencode.KindInt {
		mi.CreationDate = cd.Int
	}
	if c, ok := v.Get("comment"); ok && c.Kind == bencode.KindString {
		mi.Comment = string(c.Str)
	}
	if cb, ok := v.Get("created by"); ok && cb.Kind == bencode.KindString {
		mi.CreatedBy = string(cb.Str)
	}
	return mi, nil
}

// locateInfoBytes walks the top-level dictionary's raw bytes to find the
// exact byte range the decoder consumed for the value at key, without
// re-encoding anything. This is what makes the info-digest byte-exact
// (spec §4.B / §9): a non-canonical source encoding still hashes correctly
// because we never reconstruct it.
func locateInfoBytes(b []byte, key string) ([]byte, int, error) {
	if len(b) == 0 || b[0] != 'd' {
		return nil, 0, ErrInvalidStructure
	}
	i := 1
	for i < len(b) && b[i] != 'e' {
		kv, n, err := bencode.Decode(b[i:])
		if err != nil || kv.Kind != bencode.KindString {
			return nil, 0, ErrInvalidStructure
		}
		i += n
		vStart := i
		_, vn, err := bencode.Decode(b[i:])
		if err != nil {
			return nil, 0, ErrInvalidStructure
		}
		i += vn
		if string(kv.Str) == key {
			return b[vStart : vStart+vn], vn, nil
		}
	}
	return nil, 0, ErrInvalidStructure
}

// GetTrackers flattens Announce and AnnounceList into a de-duplicated,
// tier-preserving slice of tracker URLs, primary first.
func (mi *MetaInfo) GetTrackers() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

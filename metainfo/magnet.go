package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"
)

// Magnet is the pre-metainfo handle decoded from a magnet URI: an
// info-digest, a display name and a set of trackers, but not the info
// dictionary itself. A Torrent created from a Magnet has no info
// dictionary until the metadata extension (see package session) fetches
// it from a peer.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// ParseMagnet decodes a "magnet:?" URI per spec §4.B.
func ParseMagnet(uri string) (*Magnet, error) {
	if !strings.HasPrefix(uri, "magnet:?") {
		return nil, ErrInvalidMagnet
	}
	q, err := url.ParseQuery(uri[len("magnet:?"):])
	if err != nil {
		return nil, ErrInvalidMagnet
	}

	xts := q["xt"]
	var hash [20]byte
	found := false
	for _, xt := range xts {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		h := xt[len(prefix):]
		switch len(h) {
		case 40:
			b, err := hex.DecodeString(h)
			if err != nil || len(b) != 20 {
				return nil, ErrInvalidMagnet
			}
			copy(hash[:], b)
			found = true
		case 32:
			b, err := base32.StdEncoding.DecodeString(strings.ToUpper(h))
			if err != nil || len(b) != 20 {
				return nil, ErrInvalidMagnet
			}
			copy(hash[:], b)
			found = true
		default:
			return nil, ErrInvalidMagnet
		}
		if found {
			break
		}
	}
	if !found {
		return nil, ErrInvalidMagnet
	}

	m := &Magnet{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	return m, nil
}

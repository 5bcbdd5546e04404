// Package stream exposes a torrent's files over HTTP with byte-range
// support, the spec's "Streaming HTTP interface" (spec §6). The router
// choice follows martymcquaid-omnicloud2024's gorilla/mux-fronted API
// sitting in front of an embedded torrent engine, since the teacher's own
// excerpt carried no HTTP layer to ground this on.
package stream

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mmcgrana/riptide/session"
)

// TorrentLookup resolves a torrent by the id a client names in the URL,
// matching Session.GetTorrent's signature so a *session.Session can be
// passed directly.
type TorrentLookup func(id string) (*session.Torrent, bool)

// Server answers GET /{id}/{fileIndex} with the named file's bytes,
// honoring a Range request against what's already downloaded and nudging
// the scheduler toward what's still missing otherwise.
type Server struct {
	lookup TorrentLookup
	router *mux.Router
}

// NewServer builds a Server backed by lookup.
func NewServer(lookup TorrentLookup) *Server {
	s := &Server{lookup: lookup, router: mux.NewRouter()}
	s.router.HandleFunc("/{id}/{fileIndex}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, ok := s.lookup(vars["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	fileIndex, err := strconv.Atoi(vars["fileIndex"])
	if err != nil {
		http.Error(w, "invalid file index", http.StatusBadRequest)
		return
	}
	info := t.Info()
	if info == nil || fileIndex < 0 || fileIndex >= len(info.Files) {
		http.NotFound(w, r)
		return
	}
	f := info.Files[fileIndex]

	pieces := t.PieceMap()
	if pieces == nil {
		http.Error(w, "metadata not yet available", http.StatusServiceUnavailable)
		return
	}

	start, end, status, err := parseRange(r.Header.Get("Range"), f.Length)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.Length))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	offset := f.Offset + start
	length := end - start + 1

	if !pieces.IsRangeAvailable(offset, length) {
		t.SetSequential(true)
		t.SetPriorityPieces(pieces.MissingPiecesInRange(offset, length))
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := pieces.ReadRange(offset, length)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ct := mime.TypeByExtension(filepath.Ext(f.Path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, f.Length))
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

// parseRange decodes a single-range "Range: bytes=..." header against a
// resource of the given total length, per RFC 7233's three forms: "a-b",
// "a-" and "-k". A missing header returns the whole resource with a 200.
func parseRange(header string, total int64) (start, end int64, status int, err error) {
	if header == "" {
		return 0, total - 1, http.StatusOK, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, fmt.Errorf("stream: unsupported range unit")
	}
	spec := strings.Split(header[len(prefix):], ",")[0]
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("stream: malformed range")
	}
	switch {
	case parts[0] == "": // "-k": last k bytes
		k, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || k <= 0 {
			return 0, 0, 0, fmt.Errorf("stream: malformed suffix range")
		}
		if k > total {
			k = total
		}
		return total - k, total - 1, http.StatusPartialContent, nil
	case parts[1] == "": // "a-": from a to the end
		a, perr := strconv.ParseInt(parts[0], 10, 64)
		if perr != nil || a < 0 || a >= total {
			return 0, 0, 0, fmt.Errorf("stream: range start out of bounds")
		}
		return a, total - 1, http.StatusPartialContent, nil
	default: // "a-b"
		a, perr1 := strconv.ParseInt(parts[0], 10, 64)
		b, perr2 := strconv.ParseInt(parts[1], 10, 64)
		if perr1 != nil || perr2 != nil || a < 0 || b < a || a >= total {
			return 0, 0, 0, fmt.Errorf("stream: invalid range bounds")
		}
		if b >= total {
			b = total - 1
		}
		return a, b, http.StatusPartialContent, nil
	}
}

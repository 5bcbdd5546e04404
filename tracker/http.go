package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mmcgrana/riptide/bencode"
)

// HTTPUserAgent is sent on every tracker request.
var HTTPUserAgent = "riptide/1.0"

// HTTPTimeout bounds how long an HTTP announce may take.
var HTTPTimeout = 15 * time.Second

// HTTPTracker announces over HTTP(S), percent-encoding the raw info hash
// and peer id bytes exactly (not their hex/base32 textual forms) per
// spec §4.E.
type HTTPTracker struct {
	u      *url.URL
	client *http.Client
}

// NewHTTPTracker returns an HTTPTracker for announce URL u.
func NewHTTPTracker(u *url.URL) *HTTPTracker {
	return &HTTPTracker{u: u, client: &http.Client{Timeout: HTTPTimeout}}
}

func (t *HTTPTracker) URL() string { return t.u.String() }

// percentEncodeBytes escapes b per RFC 3986, byte for byte, so a raw 0x20
// comes out as "%20" rather than the form-encoded "+" url.Values.Encode
// would produce. Unreserved characters are passed through unescaped to
// keep the query readable.
func percentEncodeBytes(b []byte) string {
	const hex = "0123456789ABCDEF"
	var buf []byte
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', hex[c>>4], hex[c&0xF])
	}
	return string(buf)
}

func (t *HTTPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	q := t.u.Query()
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.BytesLeft, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}

	reqURL := *t.u
	// info_hash and peer_id are raw 20-byte strings: url.Values.Encode
	// would turn a 0x20 byte into "+" instead of "%20", which trackers
	// reject. Percent-encode them by hand and append after the rest of
	// the query, which Encode has already escaped correctly.
	raw := q.Encode()
	if raw != "" {
		raw += "&"
	}
	raw += "info_hash=" + percentEncodeBytes(req.InfoHash[:]) + "&peer_id=" + percentEncodeBytes(req.PeerID[:])
	reqURL.RawQuery = raw

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	httpReq.Header.Set("User-Agent", HTTPUserAgent)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTrackerFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	return decodeHTTPResponse(body)
}

type httpTrackerResponse struct {
	FailureReason string            `bencode:"failure reason,omitempty"`
	Warning       string            `bencode:"warning message,omitempty"`
	Interval      int64             `bencode:"interval,omitempty"`
	MinInterval   int64             `bencode:"min interval,omitempty"`
	Complete      int64             `bencode:"complete,omitempty"`
	Incomplete    int64             `bencode:"incomplete,omitempty"`
	Peers         bencode.RawMessage `bencode:"peers,omitempty"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int64  `bencode:"port"`
}

func decodeHTTPResponse(body []byte) (*AnnounceResponse, error) {
	var raw httpTrackerResponse
	if err := bencode.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, raw.FailureReason)
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval:    time.Duration(raw.Interval) * time.Second,
		MinInterval: time.Duration(raw.MinInterval) * time.Second,
		Seeders:     int32(raw.Complete),
		Leechers:    int32(raw.Incomplete),
		Peers:       peers,
		Warning:     raw.Warning,
	}, nil
}

// decodePeers handles both the compact (6-byte-per-peer binary string)
// and the original (list-of-dicts) peer list forms.
func decodePeers(raw bencode.RawMessage) ([]Peer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peers field: %v", ErrTrackerFailure, err)
	}
	switch v.Kind {
	case bencode.KindString:
		return decodeCompactPeers(v.Str)
	case bencode.KindList:
		peers := make([]Peer, 0, len(v.List))
		for _, item := range v.List {
			var dp dictPeer
			if err := bencode.Unmarshal(bencode.Encode(item), &dp); err != nil {
				continue
			}
			var id [20]byte
			copy(id[:], dp.PeerID)
			peers = append(peers, Peer{ID: id, IP: dp.IP, Port: uint16(dp.Port)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("%w: unsupported peers encoding", ErrTrackerFailure)
	}
}

func decodeCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", ErrTrackerFailure, len(b))
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

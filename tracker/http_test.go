package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/mmcgrana/riptide/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		body := bencode.Encode(bencode.Dict(
			bencode.DictEntry{Key: "interval", Value: bencode.Int(1800)},
			bencode.DictEntry{Key: "complete", Value: bencode.Int(5)},
			bencode.DictEntry{Key: "incomplete", Value: bencode.Int(2)},
			bencode.DictEntry{Key: "peers", Value: bencode.Value{
				Kind: bencode.KindString,
				Str:  []byte{192, 168, 1, 1, 0x1A, 0xE1},
			}},
		))
		w.Write(body)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	tr := NewHTTPTracker(u)

	var infoHash, peerID [20]byte
	resp, err := tr.Announce(context.Background(), AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Event:    EventStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), resp.Seeders)
	assert.Equal(t, int32(2), resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP)
	assert.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
}

func TestHTTPTrackerFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(
			bencode.DictEntry{Key: "failure reason", Value: bencode.Str("torrent not registered")},
		))
		w.Write(body)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	tr := NewHTTPTracker(u)

	_, err = tr.Announce(context.Background(), AnnounceRequest{})
	assert.ErrorIs(t, err, ErrTrackerFailure)
}

func TestNewDispatchesByScheme(t *testing.T) {
	httpTr, err := New("http://example.com/announce")
	require.NoError(t, err)
	_, ok := httpTr.(*HTTPTracker)
	assert.True(t, ok)

	udpTr, err := New("udp://example.com:6969/announce")
	require.NoError(t, err)
	_, ok = udpTr.(*UDPTracker)
	assert.True(t, ok)

	_, err = New("ftp://example.com")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

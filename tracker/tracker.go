// Package tracker implements the HTTP and UDP (BEP 15) tracker announce
// protocols (spec §4.E), plus a Manager implementing the tiered failure
// policy: trackers are tried tier by tier, and a tier whose tracker
// succeeds is reshuffled to the front of its tier on the next announce.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Event is the `event` announce parameter (spec §4.E).
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceRequest carries one announce call's parameters, mirroring the
// teacher's tracker.Torrent field shape.
type AnnounceRequest struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	NumWant         int
	Event           Event
}

// Peer is one peer endpoint returned by a tracker.
type Peer struct {
	ID   [20]byte // zero if the tracker didn't supply one (compact form)
	IP   string
	Port uint16
}

// AnnounceResponse is the normalized result of an announce, common to both
// the HTTP and UDP wire forms.
type AnnounceResponse struct {
	Interval   time.Duration
	MinInterval time.Duration
	Leechers   int32
	Seeders    int32
	Peers      []Peer
	Warning    string
}

// Errors returned by this package.
var (
	ErrUnsupportedScheme = errors.New("tracker: unsupported announce URL scheme")
	ErrTrackerFailure    = errors.New("tracker: announce failed")
)

// Tracker announces to a single tracker endpoint.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
	// URL returns the tracker's announce URL, used for logging and for
	// the resume sidecar's tracker list.
	URL() string
}

// New builds the Tracker implementation appropriate for rawURL's scheme:
// http/https dispatch to the HTTP tracker, udp to the BEP 15 client.
func New(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(u), nil
	case "udp", "udp4", "udp6":
		return NewUDPTracker(u), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

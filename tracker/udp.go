package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
)

// udpProtocolMagic is the BEP 15 connect request's fixed id.
const udpProtocolMagic = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// UDPMaxAttempts and UDPBaseInterval bound the retry policy: the spec
// shortens the informal BEP 15 schedule (which runs to 8 retries over
// several minutes) down to a handful of fast attempts, since a session
// has other trackers in its tier list to fall back to.
var (
	UDPMaxAttempts  = 3
	UDPBaseInterval = 5 * time.Second
)

// UDPTracker announces over the BEP 15 UDP tracker protocol.
type UDPTracker struct {
	u *url.URL
}

// NewUDPTracker returns a UDPTracker for announce URL u.
func NewUDPTracker(u *url.URL) *UDPTracker {
	return &UDPTracker{u: u}
}

func (t *UDPTracker) URL() string { return t.u.String() }

func (t *UDPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	addr, err := net.ResolveUDPAddr("udp", t.u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrTrackerFailure, t.u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTrackerFailure, addr, err)
	}
	defer conn.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = UDPBaseInterval
	b.MaxElapsedTime = time.Duration(UDPMaxAttempts) * UDPBaseInterval * 2

	var connID uint64
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if attempt > UDPMaxAttempts {
			return backoff.Permanent(fmt.Errorf("%w: exceeded %d connect attempts", ErrTrackerFailure, UDPMaxAttempts))
		}
		id, cerr := t.connect(ctx, conn)
		if cerr != nil {
			return cerr
		}
		connID = id
		return nil
	}, b)
	if err != nil {
		return nil, err
	}

	b.Reset()
	attempt = 0
	var resp *AnnounceResponse
	err = backoff.Retry(func() error {
		attempt++
		if attempt > UDPMaxAttempts {
			return backoff.Permanent(fmt.Errorf("%w: exceeded %d announce attempts", ErrTrackerFailure, UDPMaxAttempts))
		}
		r, aerr := t.announce(ctx, conn, connID, req)
		if aerr != nil {
			return aerr
		}
		resp = r
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *UDPTracker) connect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	txID := randomTransactionID()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	conn.SetDeadline(deadlineFromContext(ctx, UDPBaseInterval))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("%w: short connect response", ErrTrackerFailure)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return 0, fmt.Errorf("%w: connect transaction id mismatch", ErrTrackerFailure)
	}
	if action == actionError {
		return 0, fmt.Errorf("%w: %s", ErrTrackerFailure, string(resp[8:n]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("%w: unexpected connect action %d", ErrTrackerFailure, action)
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *UDPTracker) announce(ctx context.Context, conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	txID := randomTransactionID()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.BytesDownloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.BytesLeft))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.BytesUploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEventCode(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip, 0 = default
	binary.BigEndian.PutUint32(buf[88:92], txID) // key
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))

	conn.SetDeadline(deadlineFromContext(ctx, UDPBaseInterval))
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("%w: short announce response", ErrTrackerFailure)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return nil, fmt.Errorf("%w: announce transaction id mismatch", ErrTrackerFailure)
	}
	if action == actionError {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, string(resp[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("%w: unexpected announce action %d", ErrTrackerFailure, action)
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int32(leechers),
		Seeders:  int32(seeders),
		Peers:    peers,
	}, nil
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	d := time.Now().Add(fallback)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// Package session is the per-process orchestrator (spec §4.F): Session
// is a registry of Torrents sharing a listen port pool and a resume
// store; Torrent is the per-torrent engine with its own event loop.
package session

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	riptide "github.com/mmcgrana/riptide"
	"github.com/mmcgrana/riptide/internal/logger"
	"github.com/mmcgrana/riptide/metainfo"
	"github.com/mmcgrana/riptide/peerconn"
	"github.com/mmcgrana/riptide/resume"
	uuid "github.com/satori/go.uuid"
)

// Session owns the torrents active in this process, a shared peer id, a
// pool of listen ports, and the boltdb resume store, exactly the
// responsibilities the teacher's Session carries (session/session.go).
type Session struct {
	config riptide.Config
	peerID [20]byte
	resume *resume.Store
	log    logger.Logger

	listener net.Listener

	mu       sync.Mutex
	torrents map[string]*Torrent
	closed   bool
}

// New opens the resume database at config.Database, starts a TCP listener
// somewhere in [PortBegin, PortEnd], and returns a ready Session.
func New(config riptide.Config) (*Session, error) {
	store, err := resume.Open(config.Database)
	if err != nil {
		return nil, fmt.Errorf("session: opening resume db: %w", err)
	}
	s := &Session{
		config:   config,
		peerID:   newPeerID(),
		resume:   store,
		log:      logger.New("session"),
		torrents: make(map[string]*Torrent),
	}
	ln, err := listenInRange(config.PortBegin, config.PortEnd)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.listener = ln
	s.loadExistingTorrents()
	go s.acceptLoop()
	return s, nil
}

// loadExistingTorrents rebuilds every torrent with a resume record. A
// record marked started is started again and its on-disk pieces are
// rechecked rather than the last-written bitfield trusted; the start and
// the recheck are both queued, in no fixed order. A record not marked
// started is rebuilt with every piece Missing and is not rechecked.
func (s *Session) loadExistingTorrents() {
	ids, err := s.resume.List()
	if err != nil {
		s.log.Warningf("listing resume records: %v", err)
		return
	}
	for _, id := range ids {
		raw, spec, err := s.resume.Read(id)
		if err != nil {
			s.log.Warningf("reading resume record %s: %v", id, err)
			continue
		}
		t, err := s.restoreTorrent(id, raw, spec)
		if err != nil {
			s.log.Warningf("restoring torrent %s: %v", id, err)
			continue
		}
		s.register(t)
		if spec.Started {
			t.Start()
			t.Recheck()
		}
	}
}

func (s *Session) restoreTorrent(id string, raw []byte, spec *resume.Spec) (*Torrent, error) {
	rm := &restoreMeta{createdAt: spec.CreatedAt, priorities: spec.FilePriorities, name: spec.Name, trackerTiers: spec.Trackers}
	if len(spec.Info) > 0 {
		info, err := metainfo.NewInfo(spec.Info)
		if err != nil {
			return nil, fmt.Errorf("session: decoding stored info for %s: %w", id, err)
		}
		return newTorrentFromInfoAndTrackers(s, id, info, spec.Trackers, rm)
	}
	m, err := metainfo.ParseMagnet(string(raw))
	if err != nil {
		return nil, fmt.Errorf("session: resume record %s has neither fetched metadata nor a valid magnet uri: %w", id, err)
	}
	return newTorrentFromMagnet(s, id, m, rm)
}

func listenInRange(begin, end uint16) (net.Listener, error) {
	if begin == 0 {
		begin, end = 6881, 6889
	}
	var lastErr error
	for p := begin; p <= end; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("session: no free port in [%d,%d]: %w", begin, end, lastErr)
}

// acceptLoop accepts incoming peer connections and routes them to the
// Torrent whose info hash the handshake names, mirroring the teacher's
// single shared acceptor fanning out to torrents by info hash.
func (s *Session) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleIncoming(nc)
	}
}

func (s *Session) handleIncoming(nc net.Conn) {
	s.mu.Lock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.mu.Unlock()

	lookup := func(h [20]byte) bool {
		for _, t := range torrents {
			if t.infoHash == h {
				return true
			}
		}
		return false
	}
	conn, infoHash, peerID, err := peerconn.Accept(nc, s.peerID, s.extensions(), lookup)
	if err != nil {
		s.log.Debugf("rejecting incoming connection from %s: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	for _, t := range torrents {
		if t.infoHash == infoHash {
			t.adoptIncoming(conn, peerID)
			return
		}
	}
	conn.Close()
}

func (s *Session) extensions() [8]byte {
	var ext [8]byte
	ext[5] |= peerconn.ExtendedProtocolBit
	return ext
}

// AddTorrent parses a .torrent file from r and starts downloading it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	return s.addFromMetaInfo(mi)
}

// AddMagnet starts a pending torrent from a magnet URI; its metadata is
// fetched from peers once connected (spec §9's magnet-fetch decision).
func (s *Session) AddMagnet(uri string) (*Torrent, error) {
	m, err := metainfo.ParseMagnet(uri)
	if err != nil {
		return nil, err
	}
	return s.addFromMagnet(m, uri)
}

// AddURI dispatches to AddMagnet, or fetches and parses a .torrent over
// HTTP(S), per the uri's scheme.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "magnet":
		return s.AddMagnet(uri)
	case "http", "https":
		resp, err := http.Get(uri)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return s.AddTorrent(resp.Body)
	default:
		return nil, fmt.Errorf("session: unsupported uri scheme %q", u.Scheme)
	}
}

func (s *Session) addFromMetaInfo(mi *metainfo.MetaInfo) (*Torrent, error) {
	id := uuid.NewV1().String()
	t, err := newTorrentFromInfo(s, id, mi, nil)
	if err != nil {
		return nil, err
	}
	s.register(t)
	t.persistInitial(mi.Info.Raw)
	t.Start()
	return t, nil
}

func (s *Session) addFromMagnet(m *metainfo.Magnet, uri string) (*Torrent, error) {
	id := uuid.NewV1().String()
	t, err := newTorrentFromMagnet(s, id, m, nil)
	if err != nil {
		return nil, err
	}
	s.register(t)
	t.persistInitial([]byte(uri))
	t.Start()
	return t, nil
}

func (s *Session) register(t *Torrent) {
	s.mu.Lock()
	s.torrents[t.id] = t
	s.mu.Unlock()
}

// ListTorrents returns every torrent the session knows about.
func (s *Session) ListTorrents() []*Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// GetTorrent looks up a torrent by id.
func (s *Session) GetTorrent(id string) (*Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[id]
	return t, ok
}

// RemoveTorrent stops and forgets a torrent, optionally deleting its
// downloaded files and resume record.
func (s *Session) RemoveTorrent(id string, deleteFiles bool) error {
	s.mu.Lock()
	t, ok := s.torrents[id]
	if ok {
		delete(s.torrents, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown torrent %q", id)
	}
	t.Stop()
	if err := s.resume.Delete(id); err != nil && err != resume.ErrNotFound {
		return err
	}
	if deleteFiles {
		return t.deleteFiles()
	}
	return nil
}

// Close stops every torrent and closes the resume store and listener.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.mu.Unlock()

	for _, t := range torrents {
		t.Stop()
	}
	s.listener.Close()
	return s.resume.Close()
}

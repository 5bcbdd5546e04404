package session

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcgrana/riptide/internal/logger"
	"github.com/mmcgrana/riptide/metainfo"
	"github.com/mmcgrana/riptide/peerconn"
	"github.com/mmcgrana/riptide/peerwire"
	"github.com/mmcgrana/riptide/resume"
	"github.com/mmcgrana/riptide/storage"
	"github.com/mmcgrana/riptide/tracker"
	metrics "github.com/rcrowley/go-metrics"
)

// state is a Torrent's position in its lifecycle (spec §4.F).
type state int

const (
	Starting state = iota
	Downloading
	Seeding
	Paused
	Stopped
	Errored
)

func (s state) String() string {
	switch s {
	case Starting:
		return "starting"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Stats is a snapshot returned by Torrent.Stats, spec §4.F's read surface.
type Stats struct {
	InfoHash        [20]byte
	Name            string
	State           string
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesTotal      int64
	BytesCompleted  int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	Seeders         int32
	Leechers        int32
	Error           string
}

// FileInfo describes one file and its per-file priority (spec §4.F).
type FileInfo struct {
	Path     string
	Length   int64
	Priority resume.Priority
}

// PeerInfo is a snapshot of one connected peer (spec §4.F).
type PeerInfo struct {
	Addr        string
	ClientName  string
	AmChoking   bool
	PeerChoking bool
	Downloading bool
}

type filePriorityCmd struct {
	index    int
	priority resume.Priority
}

// peerState is the scheduler's bookkeeping for one connected peer,
// adapting the teacher's piecedownloader.PieceDownloader into a single
// field set living directly on the connection (spec §9's consolidation
// decision: session owns scheduling instead of a standalone package).
type peerState struct {
	conn         *peerconn.Conn
	interested   bool
	piece        uint32
	hasPiece     bool
	queued       []storage.Block
	inFlight     map[uint32]bool // by Begin
	lastRecv     time.Time
	utMetadataID byte // BEP 10 extension id the peer assigned to ut_metadata
}

// Torrent is one torrent's engine: tracker announcing, peer management,
// piece scheduling and persistence, all driven from a single run()
// goroutine (spec §4.F), grounded on the teacher's torrent+run.go split.
type Torrent struct {
	session *Session
	id      string
	peerID  [20]byte

	mu       sync.RWMutex
	infoHash [20]byte
	info     *metainfo.Info
	magnet   *metainfo.Magnet
	name     string
	files    *storage.FileStorage
	pieces   *storage.PieceMap
	st       state
	lastErr  error

	trackerTiers [][]string
	trackerMgr   *tracker.Manager
	priorities   map[int]resume.Priority
	meta         *metaFetch

	conns map[*peerconn.Conn]*peerState

	closeC             chan chan struct{}
	startC             chan struct{}
	pauseC             chan struct{}
	recheckC           chan struct{}
	reannounceC        chan struct{}
	statsC             chan chan Stats
	filesCmdC          chan chan []FileInfo
	setPriorityC       chan filePriorityCmd
	setSequentialC     chan bool
	setPriorityPiecesC chan []uint32
	peersCmdC          chan chan []PeerInfo
	banPeerC           chan net.IP
	addPeersC          chan []*net.TCPAddr

	newConnC       chan *peerconn.Conn
	dialResultC    chan dialResult
	peerMsgC       chan peerMsg
	peerGoneC      chan *peerconn.Conn
	trackerResultC chan trackerResult

	connectedAddrs map[string]bool
	optimistic     []*peerState

	completeOnce sync.Once
	completeC    chan struct{}
	doneC        chan struct{}

	bannedIPs map[string]struct{}

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	// bytesDownloaded and bytesUploaded are cumulative totals reported to
	// trackers and Stats; unlike downloadSpeed/uploadSpeed they never
	// decay, per spec §3's "aggregate counters (uploaded, downloaded)".
	bytesDownloaded int64
	bytesUploaded   int64

	createdAt time.Time
	log       logger.Logger
}

type peerMsg struct {
	conn *peerconn.Conn
	msg  peerwire.Message
}

type dialResult struct {
	addr *net.TCPAddr
	conn *peerconn.Conn
	err  error
}

func newTorrentBase(s *Session, id string) *Torrent {
	return &Torrent{
		session:            s,
		id:                 id,
		peerID:             s.peerID,
		conns:              make(map[*peerconn.Conn]*peerState),
		closeC:             make(chan chan struct{}),
		startC:             make(chan struct{}, 1),
		pauseC:             make(chan struct{}, 1),
		recheckC:           make(chan struct{}, 1),
		reannounceC:        make(chan struct{}, 1),
		statsC:             make(chan chan Stats),
		filesCmdC:          make(chan chan []FileInfo),
		setPriorityC:       make(chan filePriorityCmd),
		setSequentialC:     make(chan bool),
		setPriorityPiecesC: make(chan []uint32),
		peersCmdC:          make(chan chan []PeerInfo),
		banPeerC:           make(chan net.IP, 8),
		addPeersC:          make(chan []*net.TCPAddr, 8),
		newConnC:           make(chan *peerconn.Conn, 32),
		dialResultC:        make(chan dialResult, 32),
		peerMsgC:           make(chan peerMsg, 256),
		peerGoneC:          make(chan *peerconn.Conn, 32),
		trackerResultC:     make(chan trackerResult, 4),
		completeC:          make(chan struct{}),
		doneC:              make(chan struct{}),
		bannedIPs:          make(map[string]struct{}),
		connectedAddrs:     make(map[string]bool),
		priorities:         make(map[int]resume.Priority),
		downloadSpeed:      metrics.NewEWMA1(),
		uploadSpeed:        metrics.NewEWMA1(),
		createdAt:          time.Now(),
	}
}

func trackerTiersFromMetaInfo(mi *metainfo.MetaInfo) [][]string {
	if len(mi.AnnounceList) > 0 {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		return [][]string{{mi.Announce}}
	}
	return nil
}

// restoreMeta carries the bits of a resume.Spec that a freshly-constructed
// Torrent needs applied before its run loop starts, used only when
// Session.loadExistingTorrents is rebuilding a Torrent across a restart.
// nil for every torrent added fresh in this process.
type restoreMeta struct {
	createdAt    time.Time
	priorities   map[int]resume.Priority
	name         string
	trackerTiers [][]string
}

func applyRestoreMeta(t *Torrent, rm *restoreMeta) {
	if rm == nil {
		return
	}
	t.createdAt = rm.createdAt
	if rm.name != "" {
		t.name = rm.name
	}
	if rm.priorities != nil {
		t.priorities = rm.priorities
	}
	if len(rm.trackerTiers) > 0 {
		t.trackerTiers = rm.trackerTiers
	}
}

func newTorrentFromInfo(s *Session, id string, mi *metainfo.MetaInfo, rm *restoreMeta) (*Torrent, error) {
	return newTorrentFromInfoAndTrackers(s, id, mi.Info, trackerTiersFromMetaInfo(mi), rm)
}

// newTorrentFromInfoAndTrackers builds a Torrent that already knows its
// full info dictionary, either from a freshly parsed .torrent file
// (newTorrentFromInfo) or a resume record whose metadata had already been
// fetched before the last shutdown (Session.loadExistingTorrents).
func newTorrentFromInfoAndTrackers(s *Session, id string, info *metainfo.Info, trackerTiers [][]string, rm *restoreMeta) (*Torrent, error) {
	t := newTorrentBase(s, id)
	t.infoHash = info.Digest
	t.info = info
	t.name = info.Name
	t.trackerTiers = trackerTiers
	t.log = logger.New("torrent " + shortHash(t.infoHash))
	applyRestoreMeta(t, rm)
	if err := t.openStorage(); err != nil {
		return nil, err
	}
	mgr, err := tracker.NewManager(t.trackerTiers)
	if err != nil {
		return nil, err
	}
	t.trackerMgr = mgr
	go t.run()
	return t, nil
}

func newTorrentFromMagnet(s *Session, id string, m *metainfo.Magnet, rm *restoreMeta) (*Torrent, error) {
	t := newTorrentBase(s, id)
	t.infoHash = m.InfoHash
	t.magnet = m
	t.name = m.Name
	if len(m.Trackers) > 0 {
		t.trackerTiers = [][]string{m.Trackers}
	}
	t.log = logger.New("torrent " + shortHash(t.infoHash))
	applyRestoreMeta(t, rm)
	mgr, err := tracker.NewManager(t.trackerTiers)
	if err != nil {
		return nil, err
	}
	t.trackerMgr = mgr
	go t.run()
	return t, nil
}

func shortHash(h [20]byte) string {
	return fmt.Sprintf("%x", h[:4])
}

func (t *Torrent) openStorage() error {
	dest := t.session.config.DataDir + "/" + t.id
	fs := storage.NewFileStorage(t.info, dest)
	if err := fs.Preallocate(); err != nil {
		return err
	}
	t.files = fs
	t.pieces = storage.NewPieceMap(t.info, fs)
	return nil
}

// attachInfo is called once a magnet's metadata has been fetched from a
// peer (spec §9's magnet-metadata-fetch decision) or supplied directly.
func (t *Torrent) attachInfo(info *metainfo.Info) error {
	t.mu.Lock()
	if t.info != nil {
		t.mu.Unlock()
		return nil
	}
	t.info = info
	if t.name == "" {
		t.name = info.Name
	}
	fs := storage.NewFileStorage(info, t.session.config.DataDir+"/"+t.id)
	if err := fs.Preallocate(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.files = fs
	t.pieces = storage.NewPieceMap(info, fs)
	t.mu.Unlock()
	t.persistSpec()
	return nil
}

// ID returns the session-assigned identifier for this torrent.
func (t *Torrent) ID() string { return t.id }

// InfoHash returns the torrent's 20-byte info digest.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// Name returns the torrent's display name (may be empty until a magnet's
// metadata arrives).
func (t *Torrent) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Start begins or resumes announcing and downloading.
func (t *Torrent) Start() {
	select {
	case t.startC <- struct{}{}:
	default:
	}
}

// Pause sets the torrent's state to Paused, which its resume record stores
// as not started, without announcing the "stopped" event. Open peer
// connections, block requests and periodic announces carry on while
// paused; Start sets the state back to Downloading (or Seeding).
func (t *Torrent) Pause() {
	select {
	case t.pauseC <- struct{}{}:
	default:
	}
}

// Stop announces the "stopped" event and shuts down the torrent's event
// loop, blocking until it has exited.
func (t *Torrent) Stop() {
	done := make(chan struct{})
	select {
	case t.closeC <- done:
		<-done
	case <-t.doneC:
	}
}

// Recheck re-verifies every piece already on disk (spec §4.C).
func (t *Torrent) Recheck() {
	select {
	case t.recheckC <- struct{}{}:
	default:
	}
}

// Reannounce forces an immediate announce to every tracker tier.
func (t *Torrent) Reannounce() {
	select {
	case t.reannounceC <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the torrent's current progress and rates.
func (t *Torrent) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case t.statsC <- reply:
		return <-reply
	case <-t.doneC:
		return t.statsLocked()
	}
}

// Files returns one FileInfo per file in the torrent, empty until
// metadata is known.
func (t *Torrent) Files() []FileInfo {
	reply := make(chan []FileInfo, 1)
	select {
	case t.filesCmdC <- reply:
		return <-reply
	case <-t.doneC:
		return nil
	}
}

// SetFilePriority changes file i's download priority (spec §4.F).
func (t *Torrent) SetFilePriority(i int, p resume.Priority) {
	t.setPriorityC <- filePriorityCmd{index: i, priority: p}
}

// SetSequential toggles sequential piece selection, used by the streaming
// HTTP interface (spec §4.F).
func (t *Torrent) SetSequential(v bool) {
	t.setSequentialC <- v
}

// SetPriorityPieces sets the prefetch-priority piece set, used by the
// streaming HTTP interface (spec §4.F).
func (t *Torrent) SetPriorityPieces(indices []uint32) {
	t.setPriorityPiecesC <- indices
}

// Peers returns a snapshot of currently connected peers.
func (t *Torrent) Peers() []PeerInfo {
	reply := make(chan []PeerInfo, 1)
	select {
	case t.peersCmdC <- reply:
		return <-reply
	case <-t.doneC:
		return nil
	}
}

// BanPeer drops any current connection from ip and refuses future ones.
func (t *Torrent) BanPeer(ip net.IP) {
	t.banPeerC <- ip
}

// AddPeers injects externally-discovered peer addresses (the DHT/PEX
// seam spec.md's Non-goals leave to the host application).
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersC <- addrs:
	default:
	}
}

// PieceMap exposes the piece map for the streaming HTTP interface's range
// availability checks (spec §4.F).
func (t *Torrent) PieceMap() *storage.PieceMap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pieces
}

// Info returns the decoded info dictionary, or nil if metadata hasn't
// arrived yet (a pending magnet).
func (t *Torrent) Info() *metainfo.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

func (t *Torrent) deleteFiles() error {
	t.mu.RLock()
	files := t.files
	t.mu.RUnlock()
	if files == nil {
		return nil
	}
	files.Close()
	return os.RemoveAll(files.Dest())
}

func (t *Torrent) persistInitial(raw []byte) {
	t.mu.RLock()
	spec := t.specLocked()
	t.mu.RUnlock()
	if err := t.session.resume.Write(t.id, raw, spec); err != nil {
		t.log.Warningf("initial persist failed: %v", err)
	}
}

func (t *Torrent) persistSpec() {
	t.mu.RLock()
	spec := t.specLocked()
	t.mu.RUnlock()
	if err := t.session.resume.WriteSpec(t.id, spec); err != nil && err != resume.ErrNotFound {
		t.log.Warningf("persisting resume state: %v", err)
	}
}

func (t *Torrent) specLocked() *resume.Spec {
	spec := &resume.Spec{
		Port:           int(t.session.config.Port),
		Name:           t.name,
		Trackers:       t.trackerMgr.URLs(),
		FilePriorities: t.priorities,
		CreatedAt:      t.createdAt,
		Started:        t.st != Stopped && t.st != Paused,
	}
	if t.info != nil {
		spec.Info = t.info.Raw
	}
	if t.pieces != nil {
		spec.Bitfield = t.pieces.Bitfield().Bytes()
		spec.BytesWasted = t.pieces.WastedBytes()
	}
	return spec
}

func (t *Torrent) statsLocked() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		InfoHash:        t.infoHash,
		Name:            t.name,
		State:           t.st.String(),
		Peers:           len(t.conns),
		DownloadSpeed:   int64(t.downloadSpeed.Rate()),
		UploadSpeed:     int64(t.uploadSpeed.Rate()),
		BytesDownloaded: atomic.LoadInt64(&t.bytesDownloaded),
		BytesUploaded:   atomic.LoadInt64(&t.bytesUploaded),
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	if t.info != nil {
		s.BytesTotal = t.info.TotalLength()
	}
	if t.pieces != nil {
		for i := 0; i < t.pieces.NumPieces(); i++ {
			if t.pieces.State(uint32(i)) == storage.Complete {
				s.BytesCompleted += t.pieces.Piece(uint32(i)).Length
			}
		}
	}
	return s
}

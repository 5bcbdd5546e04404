// Command riptided is a small CLI harness around the engine: it loads a
// config file, adds whatever torrents/magnets are named on the command
// line, serves the streaming HTTP interface, and logs periodic stats
// until interrupted. Grounded on martymcquaid-omnicloud2024's cmd/omnicloud
// main.go (config load, signal-driven graceful shutdown, an HTTP server
// goroutine) scaled down to this engine's narrower surface.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	riptide "github.com/mmcgrana/riptide"
	"github.com/mmcgrana/riptide/session"
	"github.com/mmcgrana/riptide/stream"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults applied for anything unset)")
	addr := flag.String("addr", ":8000", "address the streaming HTTP interface listens on")
	flag.Parse()

	cfg := riptide.DefaultConfig
	if *configPath != "" {
		loaded, err := riptide.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("riptided: loading config: %v", err)
		}
		cfg = *loaded
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		log.Fatalf("riptided: creating data dir %s: %v", cfg.DataDir, err)
	}

	sess, err := session.New(cfg)
	if err != nil {
		log.Fatalf("riptided: starting session: %v", err)
	}
	defer sess.Close()

	for _, arg := range flag.Args() {
		t, err := addURI(sess, arg)
		if err != nil {
			log.Printf("riptided: adding %s: %v", arg, err)
			continue
		}
		log.Printf("riptided: added torrent %s (%x)", t.ID(), t.InfoHash())
	}

	streamSrv := stream.NewServer(sess.GetTorrent)
	httpSrv := &http.Server{Addr: *addr, Handler: streamSrv}
	go func() {
		log.Printf("riptided: streaming interface listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("riptided: http server: %v", err)
		}
	}()

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-statsTicker.C:
			logStats(sess)
		case <-sigC:
			log.Println("riptided: shutdown signal received")
			httpSrv.Close()
			return
		}
	}
}

func addURI(sess *session.Session, uri string) (*session.Torrent, error) {
	if strings.HasPrefix(uri, "magnet:?") {
		return sess.AddMagnet(uri)
	}
	f, err := os.Open(uri)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return sess.AddTorrent(f)
}

func logStats(sess *session.Session) {
	for _, t := range sess.ListTorrents() {
		s := t.Stats()
		log.Printf("riptided: %s %q state=%s down=%d/%d peers=%d rate=%d/s",
			t.ID(), s.Name, s.State, s.BytesCompleted, s.BytesTotal, s.Peers, s.DownloadSpeed)
	}
}

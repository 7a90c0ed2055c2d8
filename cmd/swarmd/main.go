// Command swarmd is a minimal standalone process wired around the
// torrent engine: it parses flags, loads a pre-parsed metainfo
// description, builds the storage/chunk-tracking capabilities, and
// feeds the engine peer addresses read one per line from stdin.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
	"github.com/dustin/go-humanize"

	torrent "github.com/brinkbit/torrent"
	"github.com/brinkbit/torrent/chunktracker"
	"github.com/brinkbit/torrent/config"
	"github.com/brinkbit/torrent/lengths"
	"github.com/brinkbit/torrent/storage"
	"github.com/brinkbit/torrent/version"
)

func main() {
	defer envpprof.Stop()

	if err := run(); err != nil {
		log.Default.WithDefaultLevel(log.Error).Printf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	mi, err := config.LoadMetainfo(cfg.Metainfo)
	if err != nil {
		return err
	}
	infoHash, err := mi.InfoHash()
	if err != nil {
		return fmt.Errorf("info hash: %w", err)
	}
	pieceHashes, err := mi.PieceHashes()
	if err != nil {
		return err
	}

	var totalLength uint64
	files := make([]storage.FileEntry, len(mi.Files))
	for i, f := range mi.Files {
		files[i] = storage.FileEntry{
			Path:   filepath.Join(cfg.DataDir, f.Path),
			Length: f.Length,
			Offset: totalLength,
		}
		totalLength += f.Length
	}

	lens := lengths.New(totalLength, cfg.PieceLength, cfg.ChunkLength)
	if lens.TotalPieces() != uint32(len(pieceHashes)) {
		return fmt.Errorf("metainfo has %d piece hashes but content implies %d pieces", len(pieceHashes), lens.TotalPieces())
	}

	fileOps, err := openStorage(cfg, lens, files)
	if err != nil {
		return err
	}
	defer fileOps.Close()

	chunks := chunktracker.New(lens, roaring.New())

	ourPeerID := randomPeerID()

	opts := torrent.Options{
		Logger:     log.Default,
		ListenAddr: cfg.ListenAddr,
	}
	if cfg.AdmissionCapacity > 0 {
		opts.AdmissionCapacity = cfg.AdmissionCapacity
	}

	engine := torrent.New(infoHash, ourPeerID, lens, fileOps, pieceHashes, chunks, opts)
	defer engine.Close()

	if cfg.EnableUpnp {
		go mapUpnpPort(cfg.ListenAddr)
	}

	go feedPeersFromStdin(engine)
	go printStats(engine, time.Duration(cfg.StatsInterval)*time.Second)

	return engine.WaitUntilCompleted(context.Background())
}

// randomPeerID builds a BEP 20 style peer id: the engine's identity
// prefix followed by random bytes.
func randomPeerID() [20]byte {
	var id [20]byte
	n := copy(id[:], version.DefaultBep20Prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		panic(err)
	}
	return id
}

func openStorage(cfg *config.Config, lens lengths.L, files []storage.FileEntry) (storage.FileOps, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	switch cfg.Storage {
	case config.StorageMMap:
		return storage.NewMMap(lens, files)
	case config.StorageBolt:
		return storage.NewBolt(lens, filepath.Join(cfg.DataDir, "swarmd.bolt"))
	default:
		return storage.NewFile(lens, files)
	}
}

// feedPeersFromStdin reads "ip:port" addresses one per line, the
// simplest possible stand-in for the tracker/DHT/PEX discovery
// mechanisms spec.md §1 places out of scope.
func feedPeersFromStdin(engine *torrent.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		addr := scanner.Text()
		if addr == "" {
			continue
		}
		engine.AddPeerIfNotSeen(addr)
	}
}

func printStats(engine *torrent.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		s := engine.StatsSnapshot()
		fmt.Printf(
			"have=%s downloaded=%s/%s pieces=%d peers(queued=%d connecting=%d live=%d dead=%d not_needed=%d)\n",
			humanize.Bytes(uint64(s.HaveBytes)),
			humanize.Bytes(uint64(s.DownloadedAndCheckedBytes)),
			humanize.Bytes(s.TotalBytes),
			s.DownloadedAndCheckedPieces,
			s.AggregatePeerStats.Queued,
			s.AggregatePeerStats.Connecting,
			s.AggregatePeerStats.Live,
			s.AggregatePeerStats.Dead,
			s.AggregatePeerStats.NotNeeded,
		)
	}
}

// mapUpnpPort attempts a best-effort, non-fatal NAT port mapping for
// the listen address; failures are logged and otherwise ignored, since
// a working swarm doesn't require it (peers can still reach us via
// outbound admission).
func mapUpnpPort(listenAddr string) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return
	}
	devices, err := upnp.Discover(0, 2*time.Second)
	if err != nil {
		log.Default.WithDefaultLevel(log.Warning).Printf("upnp discover: %v", err)
		return
	}
	for _, d := range devices {
		if err := d.AddPortMapping(upnp.TCP, port, port, "swarmd", 0); err != nil {
			log.Default.WithDefaultLevel(log.Warning).Printf("upnp map %s: %v", d, err)
		}
	}
}

// Package config holds the command-line configuration for cmd/swarmd.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// StorageBackend selects which storage.FileOps implementation
// cmd/swarmd constructs.
type StorageBackend string

const (
	StorageFile StorageBackend = "file"
	StorageMMap StorageBackend = "mmap"
	StorageBolt StorageBackend = "bolt"
)

// Config is the flat set of flags swarmd accepts. Peer addresses are
// not a flag: they arrive one per line on stdin, per SPEC_FULL.md's
// ambient CLI description.
type Config struct {
	ListenAddr string `long:"listen" description:"address to accept inbound peer connections on" default:":0"`

	DataDir string `long:"data-dir" description:"directory holding the torrent's files" required:"true"`

	Storage StorageBackend `long:"storage" description:"storage backend" choice:"file" choice:"mmap" choice:"bolt" default:"file"`

	Metainfo string `long:"metainfo" description:"path to a JSON metainfo file (info hash, piece hashes, file layout)" required:"true"`

	PieceLength uint32 `long:"piece-length" description:"bytes per piece" required:"true"`
	ChunkLength uint32 `long:"chunk-length" description:"bytes per chunk" default:"16384"`

	AdmissionCapacity int64 `long:"admission-capacity" description:"max concurrently connected peers (0 = default 128)"`

	EnableUpnp bool `long:"upnp" description:"attempt a best-effort UPnP port mapping for --listen"`

	StatsInterval int `long:"stats-interval-seconds" description:"how often to print a stats snapshot" default:"5"`
}

// Parse parses os.Args (minus argv[0]) into a Config. On --help or a
// parse error, go-flags (flags.Default) prints the message and Parse
// returns the error; it does not exit the process itself.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.ChunkLength == 0 {
		return nil, fmt.Errorf("chunk-length must be non-zero")
	}
	return &cfg, nil
}

// MetainfoFile is a file entry as the JSON metainfo format describes it:
// Path is relative to --data-dir.
type MetainfoFile struct {
	Path   string `json:"path"`
	Length uint64 `json:"length"`
}

// Metainfo is the simplified, pre-parsed stand-in for a .torrent file's
// info dictionary swarmd reads: the full bencode metainfo format is out
// of scope (peer discovery and torrent-file parsing are both ambient
// concerns this engine sits behind, per spec.md §1), but an engine
// still needs an info hash, piece hashes, and a file layout to
// construct Lengths/ChunkTracker/FileOps from.
type Metainfo struct {
	InfoHashHex    string         `json:"info_hash"`
	PieceHashesHex []string       `json:"piece_hashes"`
	Files          []MetainfoFile `json:"files"`
}

// LoadMetainfo reads and validates a JSON metainfo file at path.
func LoadMetainfo(path string) (*Metainfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metainfo: %w", err)
	}
	var m Metainfo
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parsing metainfo: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("metainfo has no files")
	}
	if len(m.PieceHashesHex) == 0 {
		return nil, fmt.Errorf("metainfo has no piece hashes")
	}
	return &m, nil
}

// InfoHash decodes the hex info hash into its fixed-size form.
func (m *Metainfo) InfoHash() ([20]byte, error) {
	return decodeHash20(m.InfoHashHex)
}

// PieceHashes decodes every hex piece hash into fixed-size form, in
// piece-index order.
func (m *Metainfo) PieceHashes() ([][20]byte, error) {
	out := make([][20]byte, len(m.PieceHashesHex))
	for i, h := range m.PieceHashesHex {
		hash, err := decodeHash20(h)
		if err != nil {
			return nil, fmt.Errorf("piece %d: %w", i, err)
		}
		out[i] = hash
	}
	return out, nil
}

func decodeHash20(s string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 20 {
		return out, fmt.Errorf("expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/brinkbit/torrent/lengths"
)

// MMap is a FileOps backend that maps each backing file into memory,
// trading resident memory for avoiding a read/write syscall per chunk.
// Grounded on the teacher's storage/mmap_test.go, which exercises the
// same edsrzf/mmap-go library against a multi-file layout.
type MMap struct {
	lens  lengths.L
	files []FileEntry

	mu      sync.Mutex
	handles []*os.File
	maps    []mmap.MMap
}

var _ FileOps = (*MMap)(nil)

// NewMMap opens and maps one file per entry in files.
func NewMMap(lens lengths.L, files []FileEntry) (*MMap, error) {
	m := &MMap{
		lens:    lens,
		files:   files,
		handles: make([]*os.File, len(files)),
		maps:    make([]mmap.MMap, len(files)),
	}
	for i, fe := range files {
		h, err := os.OpenFile(fe.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			m.closeUpTo(i)
			return nil, errors.Wrapf(err, "opening %s", fe.Path)
		}
		if err := h.Truncate(int64(fe.Length)); err != nil {
			h.Close()
			m.closeUpTo(i)
			return nil, errors.Wrapf(err, "truncating %s", fe.Path)
		}
		m.handles[i] = h
		if fe.Length == 0 {
			continue
		}
		mm, err := mmap.Map(h, mmap.RDWR, 0)
		if err != nil {
			h.Close()
			m.closeUpTo(i)
			return nil, errors.Wrapf(err, "mmapping %s", fe.Path)
		}
		m.maps[i] = mm
	}
	return m, nil
}

func (m *MMap) closeUpTo(n int) {
	for i := 0; i < n; i++ {
		if m.maps[i] != nil {
			m.maps[i].Unmap()
		}
		if m.handles[i] != nil {
			m.handles[i].Close()
		}
	}
}

func (m *MMap) virtualOffset(ci lengths.ChunkInfo) uint64 {
	return uint64(ci.PieceIndex)*uint64(m.lens.PieceLength(0)) + uint64(ci.Offset)
}

func (m *MMap) spansFor(virtualOffset uint64, length int) ([]span, error) {
	var spans []span
	remaining := length
	off := virtualOffset
	for remaining > 0 {
		idx := -1
		for i, fe := range m.files {
			if off >= fe.Offset && off < fe.Offset+fe.Length {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("virtual offset %d out of range", off)
		}
		fe := m.files[idx]
		inFile := off - fe.Offset
		avail := fe.Length - inFile
		take := remaining
		if uint64(take) > avail {
			take = int(avail)
		}
		spans = append(spans, span{fileIndex: idx, fileOffset: int64(inFile), length: take})
		off += uint64(take)
		remaining -= take
	}
	return spans, nil
}

// ReadChunk implements FileOps.
func (m *MMap) ReadChunk(ci lengths.ChunkInfo, buf []byte) error {
	if len(buf) != int(ci.Length) {
		return fmt.Errorf("buf length %d != chunk length %d", len(buf), ci.Length)
	}
	spans, err := m.spansFor(m.virtualOffset(ci), len(buf))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := 0
	for _, sp := range spans {
		n := copy(buf[pos:pos+sp.length], m.maps[sp.fileIndex][sp.fileOffset:sp.fileOffset+int64(sp.length)])
		if n != sp.length {
			return io.ErrUnexpectedEOF
		}
		pos += sp.length
	}
	return nil
}

// WriteChunk implements FileOps.
func (m *MMap) WriteChunk(ci lengths.ChunkInfo, data []byte) error {
	if len(data) != int(ci.Length) {
		return fmt.Errorf("data length %d != chunk length %d", len(data), ci.Length)
	}
	spans, err := m.spansFor(m.virtualOffset(ci), len(data))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := 0
	for _, sp := range spans {
		copy(m.maps[sp.fileIndex][sp.fileOffset:sp.fileOffset+int64(sp.length)], data[pos:pos+sp.length])
		pos += sp.length
	}
	return nil
}

// CheckPiece implements FileOps.
func (m *MMap) CheckPiece(p uint32, expectedHash [20]byte) (bool, error) {
	pieceLen := m.lens.PieceLength(p)
	buf := make([]byte, pieceLen)
	ci := lengths.ChunkInfo{PieceIndex: p, Offset: 0, Length: pieceLen}
	if err := m.ReadChunk(ci, buf); err != nil {
		return false, err
	}
	return sha1Sum(buf) == expectedHash, nil
}

// Close unmaps and closes every backing file, flushing writes to disk.
func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for i := range m.files {
		if m.maps[i] != nil {
			if err := m.maps[i].Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.maps[i].Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if m.handles[i] != nil {
			if err := m.handles[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/brinkbit/torrent/lengths"
)

// File is the plain-file FileOps backend: each FileEntry backs one
// os.File, addressed with ReadAt/WriteAt at the byte range implied by
// the chunk's virtual offset, the same span-finding idiom as the
// teacher's storagePieceReader.
type File struct {
	lens  lengths.L
	files []FileEntry

	mu      sync.Mutex
	handles []*os.File
	roMode  bool
}

var _ FileOps = (*File)(nil)
var _ ReadOnlyReopener = (*File)(nil)

// NewFile opens (creating if necessary) one os.File per entry in
// files, pre-sized to its declared length.
func NewFile(lens lengths.L, files []FileEntry) (*File, error) {
	f := &File{lens: lens, files: files, handles: make([]*os.File, len(files))}
	for i, fe := range files {
		h, err := os.OpenFile(fe.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			f.closeOpened(i)
			return nil, errors.Wrapf(err, "opening %s", fe.Path)
		}
		if err := h.Truncate(int64(fe.Length)); err != nil {
			h.Close()
			f.closeOpened(i)
			return nil, errors.Wrapf(err, "truncating %s", fe.Path)
		}
		f.handles[i] = h
	}
	return f, nil
}

func (f *File) closeOpened(upTo int) {
	for i := 0; i < upTo; i++ {
		if f.handles[i] != nil {
			f.handles[i].Close()
		}
	}
}

// span describes the intersection of a virtual byte range with one
// backing file.
type span struct {
	fileIndex  int
	fileOffset int64
	length     int
}

func (f *File) spansFor(virtualOffset uint64, length int) ([]span, error) {
	var spans []span
	remaining := length
	off := virtualOffset
	for remaining > 0 {
		idx := -1
		for i, fe := range f.files {
			if off >= fe.Offset && off < fe.Offset+fe.Length {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("virtual offset %d out of range", off)
		}
		fe := f.files[idx]
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

func (f *File) virtualOffset(ci lengths.ChunkInfo) uint64 {
	return uint64(ci.PieceIndex)*uint64(f.lens.PieceLength(0)) + uint64(ci.Offset)
}

// ReadChunk implements FileOps.
func (f *File) ReadChunk(ci lengths.ChunkInfo, buf []byte) error {
	if len(buf) != int(ci.Length) {
		return fmt.Errorf("buf length %d != chunk length %d", len(buf), ci.Length)
	}
	spans, err := f.spansFor(f.virtualOffset(ci), len(buf))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := 0
	for _, sp := range spans {
		h := f.handles[sp.fileIndex]
		n, err := h.ReadAt(buf[pos:pos+sp.length], sp.fileOffset)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "read chunk")
		}
		if n != sp.length {
			return io.ErrUnexpectedEOF
		}
		pos += sp.length
	}
	return nil
}

// WriteChunk implements FileOps.
func (f *File) WriteChunk(ci lengths.ChunkInfo, data []byte) error {
	if len(data) != int(ci.Length) {
		return fmt.Errorf("data length %d != chunk length %d", len(data), ci.Length)
	}
	spans, err := f.spansFor(f.virtualOffset(ci), len(data))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roMode {
		return errors.New("write to read-only storage")
	}
	pos := 0
	for _, sp := range spans {
		h := f.handles[sp.fileIndex]
		if _, err := h.WriteAt(data[pos:pos+sp.length], sp.fileOffset); err != nil {
			return errors.Wrap(err, "write chunk")
		}
		pos += sp.length
	}
	return nil
}

// CheckPiece implements FileOps.
func (f *File) CheckPiece(p uint32, expectedHash [20]byte) (bool, error) {
	pieceLen := f.lens.PieceLength(p)
	buf := make([]byte, pieceLen)
	ci := lengths.ChunkInfo{PieceIndex: p, Offset: 0, Length: pieceLen}
	if err := f.ReadChunk(ci, buf); err != nil {
		return false, err
	}
	return sha1Sum(buf) == expectedHash, nil
}

// ReopenReadOnly downgrades all handles to O_RDONLY once the torrent
// has finished downloading, per spec.md's completion step.
func (f *File) ReopenReadOnly() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, fe := range f.files {
		if f.handles[i] != nil {
			f.handles[i].Close()
		}
		h, err := os.OpenFile(fe.Path, os.O_RDONLY, 0)
		if err != nil {
			return errors.Wrapf(err, "reopening %s read-only", fe.Path)
		}
		f.handles[i] = h
	}
	f.roMode = true
	return nil
}

// Close implements FileOps.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, h := range f.handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

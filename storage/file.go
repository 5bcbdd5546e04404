package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/mmcgrana/riptide/metainfo"
)

// fileEntry pairs a metainfo.File with the lazily-opened os.File backing it
// on disk.
type fileEntry struct {
	metainfo.File
	path string

	mu  sync.Mutex
	f   *os.File
	err error
}

// FileStorage maps a torrent's concatenated byte stream onto real files
// rooted at dest. Files are created and grown to their declared length on
// first write (spec §4.C "Pre-allocation"); writes into an already
// allocated file never truncate it.
type FileStorage struct {
	dest  string
	files []*fileEntry
}

// NewFileStorage returns a FileStorage for info rooted at dest. It does not
// touch the filesystem until Write or Preallocate is called.
func NewFileStorage(info *metainfo.Info, dest string) *FileStorage {
	fs := &FileStorage{dest: dest}
	for _, f := range info.Files {
		fs.files = append(fs.files, &fileEntry{File: f, path: filepath.Join(dest, filepath.FromSlash(f.Path))})
	}
	return fs
}

// Dest returns the root directory files are stored under.
func (fs *FileStorage) Dest() string { return fs.dest }

// Files returns the underlying file list.
func (fs *FileStorage) Files() []metainfo.File {
	out := make([]metainfo.File, len(fs.files))
	for i, fe := range fs.files {
		out[i] = fe.File
	}
	return out
}

func (fe *fileEntry) open() (*os.File, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.f != nil || fe.err != nil {
		return fe.f, fe.err
	}
	if err := os.MkdirAll(filepath.Dir(fe.path), 0750); err != nil {
		fe.err = err
		return nil, err
	}
	f, err := os.OpenFile(fe.path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		fe.err = err
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		fe.err = err
		return nil, err
	}
	if fi.Size() < fe.Length {
		if err := f.Truncate(fe.Length); err != nil {
			fe.err = err
			return nil, err
		}
	}
	fe.f = f
	return f, nil
}

// Preallocate opens and grows every file to its declared length. Callers
// may skip this and let Write allocate lazily on first touch.
func (fs *FileStorage) Preallocate() error {
	for _, fe := range fs.files {
		if _, err := fe.open(); err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes b at global offset off, distributing it across every
// file whose range overlaps [off, off+len(b)).
func (fs *FileStorage) WriteAt(b []byte, off int64) error {
	return fs.forEachOverlap(off, int64(len(b)), func(fe *fileEntry, fileOff int64, bufOff, n int64) error {
		f, err := fe.open()
		if err != nil {
			return err
		}
		_, err = f.WriteAt(b[bufOff:bufOff+n], fileOff)
		return err
	})
}

// ReadAt reads len(b) bytes starting at global offset off.
func (fs *FileStorage) ReadAt(b []byte, off int64) error {
	return fs.forEachOverlap(off, int64(len(b)), func(fe *fileEntry, fileOff int64, bufOff, n int64) error {
		f, err := fe.open()
		if err != nil {
			return err
		}
		_, err = f.ReadAt(b[bufOff:bufOff+n], fileOff)
		return err
	})
}

// forEachOverlap invokes fn once per file overlapping the global byte
// range [off, off+length), translating to file-local offsets.
func (fs *FileStorage) forEachOverlap(off, length int64, fn func(fe *fileEntry, fileOff, bufOff, n int64) error) error {
	if length < 0 {
		return ErrOutOfRange
	}
	end := off + length
	for _, fe := range fs.files {
		fStart := fe.Offset
		fEnd := fe.Offset + fe.Length
		if fEnd <= off || fStart >= end {
			continue
		}
		overlapStart := max64(off, fStart)
		overlapEnd := min64(end, fEnd)
		n := overlapEnd - overlapStart
		if n <= 0 {
			continue
		}
		if err := fn(fe, overlapStart-fStart, overlapStart-off, n); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open file handle.
func (fs *FileStorage) Close() error {
	var firstErr error
	for _, fe := range fs.files {
		fe.mu.Lock()
		if fe.f != nil {
			if err := fe.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			fe.f = nil
		}
		fe.mu.Unlock()
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

package container

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSet owns the fixed-size container files on disk, one os.File per
// file_index, each guarded by its own lock so concurrent reads to
// different files never contend (spec.md §6, "file lock" in the lock
// ordering list).
type FileSet struct {
	mu    sync.Mutex
	dir   string
	size  uint64
	files map[uint32]*lockedFile
}

type lockedFile struct {
	mu sync.RWMutex
	f  *os.File
}

// NewFileSet creates a file set rooted at dir, where each container file
// holds slots of `size` bytes.
func NewFileSet(dir string, size uint64) *FileSet {
	return &FileSet{dir: dir, size: size, files: make(map[uint32]*lockedFile)}
}

func (fs *FileSet) pathFor(fileIndex uint32) string {
	return filepath.Join(fs.dir, fmt.Sprintf("container-%04d.data", fileIndex))
}

func (fs *FileSet) open(fileIndex uint32) (*lockedFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if lf, ok := fs.files[fileIndex]; ok {
		return lf, nil
	}

	if err := os.MkdirAll(fs.dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fs.pathFor(fileIndex), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("container: open file %d: %w", fileIndex, err)
	}
	lf := &lockedFile{f: f}
	fs.files[fileIndex] = lf
	return lf, nil
}

// WriteAt writes buf at the slot (fileIndex, offset), holding the file
// lock for the duration (spec.md §4.2, "write at A with the file lock").
func (fs *FileSet) WriteAt(fileIndex uint32, offset uint64, buf []byte) error {
	lf, err := fs.open(fileIndex)
	if err != nil {
		return err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, err = lf.f.WriteAt(buf, int64(offset))
	return err
}

// ReadAt reads exactly n bytes starting at the slot (fileIndex, offset).
func (fs *FileSet) ReadAt(fileIndex uint32, offset uint64, n int) ([]byte, error) {
	lf, err := fs.open(fileIndex)
	if err != nil {
		return nil, err
	}
	lf.mu.RLock()
	defer lf.mu.RUnlock()

	buf := make([]byte, n)
	if _, err := lf.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sync flushes every open file to durable storage.
func (fs *FileSet) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for idx, lf := range fs.files {
		lf.mu.Lock()
		err := lf.f.Sync()
		lf.mu.Unlock()
		if err != nil {
			return fmt.Errorf("container: sync file %d: %w", idx, err)
		}
	}
	return nil
}

// Close releases every open file handle.
func (fs *FileSet) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, lf := range fs.files {
		lf.mu.Lock()
		_ = lf.f.Close()
		lf.mu.Unlock()
	}
	return nil
}

package pagestream

import (
	"fmt"
	"os"
	"sync"
)

// FileStream is a Stream backed by a single file on disk.
type FileStream struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenFileStream opens an existing stream file for reading and writing.
func OpenFileStream(path string) (*FileStream, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file %s: %w", path, err)
	}
	return &FileStream{path: path, file: file}, nil
}

// CreateFileStream creates a new, empty stream file. It fails if the file
// already exists.
func CreateFileStream(path string) (*FileStream, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream file %s: %w", path, err)
	}
	return &FileStream{path: path, file: file}, nil
}

// Path returns the file path backing this stream.
func (fs *FileStream) Path() string { return fs.path }

func (fs *FileStream) ReadAt(p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.ReadAt(p, off)
}

func (fs *FileStream) WriteAt(p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.WriteAt(p, off)
}

// Size returns the current file length.
func (fs *FileStream) Size() (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fi, err := fs.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat stream file %s: %w", fs.path, err)
	}
	return fi.Size(), nil
}

// Resize truncates or extends the file. Extended regions read as zero.
func (fs *FileStream) Resize(size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to resize stream file %s to %d: %w", fs.path, size, err)
	}
	return nil
}

// Flush is a no-op: writes go straight to the file.
func (fs *FileStream) Flush() error { return nil }

// Fsync flushes file contents to stable storage.
func (fs *FileStream) Fsync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Sync()
}

// Close syncs and closes the underlying file.
func (fs *FileStream) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	syncErr := fs.file.Sync()
	closeErr := fs.file.Close()
	fs.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

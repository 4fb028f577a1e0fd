package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/protocol"
)

// File hands payloads over as 0600 files in a private directory.
type File struct {
	opts   Options
	dir    string
	logger zerolog.Logger
	spool  *spool
}

// NewFile creates a file transport rooted at opts.TempDir.
func NewFile(opts Options) (*File, error) {
	dir, err := prepareDir(opts.TempDir)
	if err != nil {
		return nil, err
	}
	return &File{
		opts:   opts,
		dir:    dir,
		logger: opts.logger(),
		spool:  newSpool(),
	}, nil
}

// Mode implements Transport.
func (f *File) Mode() string { return protocol.ModeFile }

// Dir returns the directory payload files are written to.
func (f *File) Dir() string { return f.dir }

// Send implements Transport.
func (f *File) Send(ctx context.Context, w FrameWriter, p Payload) (Receipt, error) {
	if f.spool.isClosed() {
		return Receipt{}, ErrClosed
	}
	if err := f.opts.checkSize(len(p.Data)); err != nil {
		return Receipt{}, err
	}
	if err := checkFree(f.dir, len(p.Data), f.opts.MinFreeDiskBytes); err != nil {
		return Receipt{}, err
	}

	name := fmt.Sprintf("%s-%d-%s.snapshot", safeName(p.ExtensionID), p.Sequence, uuid.NewString())
	path := filepath.Join(f.dir, name)
	if err := writeExclusive(path, p.Data); err != nil {
		return Receipt{}, err
	}
	f.spool.add(path)

	line, err := decorate(p.Header, protocol.ModeFile, p.Data, map[string]string{"filePath": path})
	if err == nil {
		err = w.WriteFrame(ctx, line)
	}
	receipt := Receipt{Mode: protocol.ModeFile, Path: path}
	if errors.Is(err, ErrFramePending) {
		return receipt, err
	}
	if err != nil {
		f.release(path)
		return Receipt{}, err
	}
	return receipt, nil
}

// Cleanup implements Transport.
func (f *File) Cleanup(r Receipt) error {
	if !r.HasResource() {
		return nil
	}
	return f.release(r.Path)
}

func (f *File) release(path string) error {
	f.spool.remove(path)
	if err := removeIfExists(path); err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("failed to remove snapshot file")
		return err
	}
	return nil
}

// Close implements Transport. It removes every file still outstanding.
func (f *File) Close() error {
	return f.spool.drain(removeIfExists)
}

// spool tracks resources a transport created and has not released.
type spool struct {
	mu     sync.Mutex
	items  map[string]struct{}
	closed bool
}

func newSpool() *spool {
	return &spool{items: make(map[string]struct{})}
}

func (s *spool) add(path string) {
	s.mu.Lock()
	s.items[path] = struct{}{}
	s.mu.Unlock()
}

func (s *spool) remove(path string) {
	s.mu.Lock()
	delete(s.items, path)
	s.mu.Unlock()
}

func (s *spool) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *spool) drain(release func(string) error) error {
	s.mu.Lock()
	s.closed = true
	items := s.items
	s.items = make(map[string]struct{})
	s.mu.Unlock()

	var firstErr error
	for path := range items {
		if err := release(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// prepareDir creates dir with 0700 permissions and rejects symlinks and
// non-directories.
func prepareDir(dir string) (string, error) {
	if err := config.ValidateTempDir(dir); err != nil {
		return "", err
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create transport dir: %w", err)
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return "", fmt.Errorf("stat transport dir: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a plain directory", config.ErrUnsafeTempDir, dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return "", fmt.Errorf("%w: %s is shared and cannot be restricted: %v", config.ErrUnsafeTempDir, dir, err)
		}
	}
	return dir, nil
}

func checkFree(dir string, size int, minFree int64) error {
	if minFree <= 0 {
		return nil
	}
	free, err := freeBytes(dir)
	if err != nil {
		return fmt.Errorf("check free space in %s: %w", dir, err)
	}
	if free < uint64(size)+uint64(minFree) {
		return fmt.Errorf("%w: %d bytes free, need %d plus %d reserved", ErrInsufficientSpace, free, size, minFree)
	}
	return nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close snapshot file: %w", err)
	}
	return nil
}

func safeName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "ext"
	}
	return string(out)
}

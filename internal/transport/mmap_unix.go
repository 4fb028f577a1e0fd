//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/dshills/docbridge/internal/protocol"
)

const mmapSupported = true

// Mmap hands payloads over as shared-memory objects under ShmDir. The
// header carries the object name; extensions open ShmDir/name.
type Mmap struct {
	opts   Options
	dir    string
	logger zerolog.Logger
	spool  *spool
}

// NewMmap creates a shared-memory transport.
func NewMmap(opts Options) (*Mmap, error) {
	info, err := os.Stat(opts.ShmDir)
	if err != nil {
		return nil, fmt.Errorf("%w: shm dir %q: %v", ErrUnsupportedMode, opts.ShmDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: shm dir %q is not a directory", ErrUnsupportedMode, opts.ShmDir)
	}
	return &Mmap{
		opts:   opts,
		dir:    filepath.Clean(opts.ShmDir),
		logger: opts.logger(),
		spool:  newSpool(),
	}, nil
}

// Mode implements Transport.
func (m *Mmap) Mode() string { return protocol.ModeMmap }

// Send implements Transport.
func (m *Mmap) Send(ctx context.Context, w FrameWriter, p Payload) (Receipt, error) {
	if m.spool.isClosed() {
		return Receipt{}, ErrClosed
	}
	if err := m.opts.checkSize(len(p.Data)); err != nil {
		return Receipt{}, err
	}
	if err := checkFree(m.dir, len(p.Data), m.opts.MinFreeDiskBytes); err != nil {
		return Receipt{}, err
	}

	name := fmt.Sprintf("docbridge-%s-%d-%s", safeName(p.ExtensionID), p.Sequence, uuid.NewString())
	path := filepath.Join(m.dir, name)
	if err := writeShared(path, p.Data); err != nil {
		return Receipt{}, err
	}
	m.spool.add(path)

	line, err := decorate(p.Header, protocol.ModeMmap, p.Data, map[string]string{"mmapName": name})
	if err == nil {
		err = w.WriteFrame(ctx, line)
	}
	receipt := Receipt{Mode: protocol.ModeMmap, Path: path}
	if errors.Is(err, ErrFramePending) {
		return receipt, err
	}
	if err != nil {
		m.release(path)
		return Receipt{}, err
	}
	return receipt, nil
}

// Cleanup implements Transport.
func (m *Mmap) Cleanup(r Receipt) error {
	if !r.HasResource() {
		return nil
	}
	return m.release(r.Path)
}

func (m *Mmap) release(path string) error {
	m.spool.remove(path)
	if err := removeIfExists(path); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("failed to unlink shared memory object")
		return err
	}
	return nil
}

// Close implements Transport. It unlinks every object still outstanding.
func (m *Mmap) Close() error {
	return m.spool.drain(removeIfExists)
}

// writeShared creates a 0600 object of len(data) bytes and fills it through
// a shared mapping.
func writeShared(path string, data []byte) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("create shared memory object: %w", err)
	}
	defer unix.Close(fd)

	fail := func(op string, err error) error {
		_ = unix.Unlink(path)
		return fmt.Errorf("%s shared memory object: %w", op, err)
	}

	if len(data) == 0 {
		return nil
	}
	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		return fail("size", err)
	}
	mem, err := unix.Mmap(fd, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("map", err)
	}
	copy(mem, data)
	if err := unix.Munmap(mem); err != nil {
		return fail("unmap", err)
	}
	return nil
}

// Package transport moves snapshot payloads to extension processes.
//
// Three variants exist. The stdin transport writes the snapshot header line
// followed by exactly dataSize raw bytes on the child's stdin. The file
// transport writes the payload to a 0600 file in a private temp directory
// and sends the path in the header. The mmap transport writes the payload
// to a shared-memory object and sends its name.
//
// Transports decorate an already-encoded header line with the fields they
// own (transportMode, dataSize, checksum, filePath, mmapName) so callers
// never need to know which variant is active.
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/protocol"
)

var (
	// ErrUnsupportedMode indicates a transport mode this build cannot provide.
	ErrUnsupportedMode = errors.New("unsupported transport mode")

	// ErrPayloadTooLarge indicates a payload over the configured size cap.
	ErrPayloadTooLarge = errors.New("snapshot payload too large")

	// ErrInsufficientSpace indicates the handoff would leave too little free
	// space on the target filesystem.
	ErrInsufficientSpace = errors.New("insufficient free space for snapshot")

	// ErrClosed indicates use of a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrFramePending is wrapped by a FrameWriter error when the caller gave
	// up but the frame is still being written and will reach the child.
	ErrFramePending = errors.New("frame still being written")
)

// FrameWriter writes one complete frame to the child's stdin. A frame is
// never interleaved with another. An error wrapping ErrFramePending means
// the frame will still be delivered; any other error means it was not.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Payload is one snapshot handed to a transport.
type Payload struct {
	ExtensionID string
	Sequence    int64
	// Header is the encoded snapshot line without transport fields.
	Header []byte
	Data   []byte
}

// Receipt identifies the transport-side resource of a delivered payload.
// A stdin receipt carries no resource. Send returns a receipt together with
// an ErrFramePending error so the resource outlives the late frame.
type Receipt struct {
	Mode string
	Path string
}

// HasResource reports whether the receipt names something to release.
func (r Receipt) HasResource() bool {
	return r.Path != ""
}

// Transport delivers payloads and releases their resources.
type Transport interface {
	Mode() string
	Send(ctx context.Context, w FrameWriter, p Payload) (Receipt, error)
	Cleanup(r Receipt) error
	// Close releases every resource the transport still holds.
	Close() error
}

// Options configure transport construction.
type Options struct {
	TempDir          string
	ShmDir           string
	MaxSnapshotBytes int64
	MinFreeDiskBytes int64
	Logger           *zerolog.Logger
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return logging.Component("transport")
}

func (o Options) checkSize(n int) error {
	if o.MaxSnapshotBytes > 0 && int64(n) > o.MaxSnapshotBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, n, o.MaxSnapshotBytes)
	}
	return nil
}

// Available returns the modes supported on this platform in preference
// order.
func Available() []string {
	modes := []string{protocol.ModeStdin, protocol.ModeFile}
	if mmapSupported {
		modes = append(modes, protocol.ModeMmap)
	}
	return modes
}

// Supported reports whether mode is available on this platform.
func Supported(mode string) bool {
	return slices.Contains(Available(), mode)
}

// Select picks a mode: the first of preferred this platform supports,
// otherwise def.
func Select(preferred []string, def string) string {
	for _, m := range preferred {
		if Supported(m) {
			return m
		}
	}
	return def
}

// New constructs the transport for mode.
func New(mode string, opts Options) (Transport, error) {
	switch mode {
	case protocol.ModeStdin:
		return NewStdin(opts), nil
	case protocol.ModeFile:
		return NewFile(opts)
	case protocol.ModeMmap:
		return NewMmap(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// CleanupOrphan releases a resource whose transport is gone. File payloads
// are deleted. Shared-memory objects are left for the owning transport's
// Close, which removes everything it created.
func CleanupOrphan(r Receipt) error {
	if r.Mode == protocol.ModeFile && r.Path != "" {
		return removeIfExists(r.Path)
	}
	return nil
}

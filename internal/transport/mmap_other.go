//go:build !unix

package transport

import (
	"context"
	"fmt"

	"github.com/dshills/docbridge/internal/protocol"
)

const mmapSupported = false

// Mmap is unavailable on this platform.
type Mmap struct{}

// NewMmap always fails on this platform.
func NewMmap(Options) (*Mmap, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, protocol.ModeMmap)
}

func (m *Mmap) Mode() string { return protocol.ModeMmap }

func (m *Mmap) Send(context.Context, FrameWriter, Payload) (Receipt, error) {
	return Receipt{}, ErrUnsupportedMode
}

func (m *Mmap) Cleanup(Receipt) error { return nil }

func (m *Mmap) Close() error { return nil }

package transport

import (
	"context"

	"github.com/dshills/docbridge/internal/protocol"
)

// Stdin sends the header line and the raw payload in one frame.
type Stdin struct {
	opts Options
}

// NewStdin creates a stdin transport.
func NewStdin(opts Options) *Stdin {
	return &Stdin{opts: opts}
}

// Mode implements Transport.
func (s *Stdin) Mode() string { return protocol.ModeStdin }

// Send implements Transport.
func (s *Stdin) Send(ctx context.Context, w FrameWriter, p Payload) (Receipt, error) {
	if err := s.opts.checkSize(len(p.Data)); err != nil {
		return Receipt{}, err
	}
	line, err := decorate(p.Header, protocol.ModeStdin, p.Data, nil)
	if err != nil {
		return Receipt{}, err
	}

	frame := make([]byte, 0, len(line)+len(p.Data))
	frame = append(frame, line...)
	frame = append(frame, p.Data...)
	if err := w.WriteFrame(ctx, frame); err != nil {
		return Receipt{Mode: protocol.ModeStdin}, err
	}
	return Receipt{Mode: protocol.ModeStdin}, nil
}

// Cleanup implements Transport. Stdin payloads hold no resources.
func (s *Stdin) Cleanup(Receipt) error { return nil }

// Close implements Transport.
func (s *Stdin) Close() error { return nil }

package extension

import (
	"bytes"
	"time"

	"github.com/dshills/docbridge/internal/protocol"
)

// dispatch handles one line from the extension's stdout.
func (i *Instance) dispatch(r *run, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	typ, err := protocol.ParseType(line)
	if err != nil {
		i.logger.Warn().Err(err).Int("length", len(line)).Msg("dropping malformed message")
		return
	}

	switch typ {
	case protocol.TypeAck:
		var ack protocol.Ack
		if err := protocol.Decode(line, &ack); err != nil {
			i.logger.Warn().Err(err).Msg("dropping malformed ack")
			return
		}
		i.HandleAck(ack.SequenceNumber, ack.Status, ack.Error)

	case protocol.TypePong:
		i.hbResponse.Store(time.Now().UnixNano())
		i.missed.Store(0)
		i.touch()

	case protocol.TypeCommandResult:
		var res protocol.CommandResult
		if err := protocol.Decode(line, &res); err != nil {
			i.logger.Warn().Err(err).Msg("dropping malformed command result")
			return
		}
		i.touch()
		i.completeCommand(res)

	case protocol.TypeInitializeResponse:
		var resp protocol.InitializeResponse
		if err := protocol.Decode(line, &resp); err != nil {
			i.logger.Warn().Err(err).Msg("dropping malformed initialize response")
			return
		}
		select {
		case r.handshake <- resp:
		default:
		}

	default:
		i.touch()
		i.notifyMessage(Message{
			ExtensionID: i.def.ID,
			Type:        typ,
			Raw:         append([]byte(nil), line...),
		})
	}
}

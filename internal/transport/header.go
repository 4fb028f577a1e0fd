package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/sjson"

	"github.com/dshills/docbridge/internal/protocol"
)

// decorate stamps the transport-owned fields onto an encoded header and
// returns it as a single newline-terminated line.
func decorate(header []byte, mode string, data []byte, extra map[string]string) ([]byte, error) {
	line := bytes.TrimRight(header, "\r\n")
	if len(line) == 0 {
		line = []byte(`{"type":"snapshot"}`)
	}

	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		line, err = sjson.SetBytes(line, path, v)
	}
	set("transportMode", mode)
	set("dataSize", int64(len(data)))
	set("checksum", protocol.Checksum(data))
	for k, v := range extra {
		set(k, v)
	}
	if err != nil {
		return nil, fmt.Errorf("decorate snapshot header: %w", err)
	}

	out := make([]byte, 0, len(line)+1)
	out = append(out, line...)
	return append(out, '\n'), nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

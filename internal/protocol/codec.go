package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

var (
	// ErrMalformed indicates a line that is not a JSON object.
	ErrMalformed = errors.New("malformed message")

	// ErrMissingType indicates a JSON object without a string "type".
	ErrMissingType = errors.New("message has no type")
)

// Encode marshals v as a single protocol line terminated by '\n'.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	// RawMessage fields may carry newlines from their source.
	if bytes.IndexByte(data, '\n') >= 0 {
		data = pretty.Ugly(data)
	}
	return append(data, '\n'), nil
}

// ParseType validates line as a JSON object and returns its type.
func ParseType(line []byte) (string, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return "", ErrMalformed
	}
	t := gjson.GetBytes(line, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", ErrMissingType
	}
	return t.Str, nil
}

// Decode unmarshals a protocol line into v.
func Decode(line []byte, v any) error {
	if err := json.Unmarshal(bytes.TrimSpace(line), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Compact returns raw JSON on one line. Invalid JSON is returned as nil.
func Compact(raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	return json.RawMessage(pretty.Ugly(raw))
}

// Checksum is the CRC32 (IEEE) of data. Empty data has checksum 0.
func Checksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum reports whether sum matches data.
func VerifyChecksum(data []byte, sum uint32) bool {
	return Checksum(data) == sum
}

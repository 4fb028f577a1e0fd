// Package protocol defines the line-delimited JSON protocol spoken between
// docbridge and its extensions.
//
// Every message is one JSON object on one line with a "type" field. The
// supervisor sends initialize, initialized, snapshot, heartbeat,
// session_closed, session_unbound, shutdown and command. Extensions answer
// with initialize_response, ack, pong and command_result.
package protocol

import (
	"github.com/goccy/go-json"
)

// Message types sent by the supervisor.
const (
	TypeInitialize     = "initialize"
	TypeInitialized    = "initialized"
	TypeSnapshot       = "snapshot"
	TypeHeartbeat      = "heartbeat"
	TypeSessionClosed  = "session_closed"
	TypeSessionUnbound = "session_unbound"
	TypeShutdown       = "shutdown"
	TypeCommand        = "command"
)

// Message types sent by extensions.
const (
	TypeInitializeResponse = "initialize_response"
	TypeAck                = "ack"
	TypePong               = "pong"
	TypeCommandResult      = "command_result"
)

// Ack statuses.
const (
	AckProcessed = "processed"
	AckError     = "error"
)

// Transport mode names carried in the snapshot header.
const (
	ModeStdin = "stdin"
	ModeMmap  = "mmap"
	ModeFile  = "file"
)

// Initialize opens the handshake.
type Initialize struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Notification is a message with no payload besides its type
// (initialized, heartbeat, shutdown, pong).
type Notification struct {
	Type string `json:"type"`
}

// Snapshot is the header announcing a document payload.
type Snapshot struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocolVersion"`
	SessionID       string          `json:"sessionId"`
	DocumentType    string          `json:"documentType"`
	OriginalPath    string          `json:"originalPath,omitempty"`
	OutputFormat    string          `json:"outputFormat"`
	MimeType        string          `json:"mimeType"`
	Timestamp       int64           `json:"timestamp"`
	SequenceNumber  int64           `json:"sequenceNumber"`
	TransportMode   string          `json:"transportMode"`
	DataSize        int64           `json:"dataSize"`
	Checksum        uint32          `json:"checksum"`
	MmapName        string          `json:"mmapName,omitempty"`
	FilePath        string          `json:"filePath,omitempty"`
	Owner           *Owner          `json:"owner,omitempty"`
	CustomData      json.RawMessage `json:"customData,omitempty"`
}

// SessionNotice tells an extension a session went away.
type SessionNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Owner     *Owner `json:"owner,omitempty"`
}

// Command is a request correlated by CommandID.
type Command struct {
	Type           string          `json:"type"`
	CommandID      string          `json:"commandId"`
	CommandType    string          `json:"commandType"`
	CommandPayload json.RawMessage `json:"commandPayload,omitempty"`
	SessionID      string          `json:"sessionId"`
}

// InitializeResponse completes the handshake. Name and Version are required.
type InitializeResponse struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	WebsiteURL  string `json:"websiteUrl,omitempty"`
}

// Ack acknowledges one snapshot.
type Ack struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// CommandResult answers a Command.
type CommandResult struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

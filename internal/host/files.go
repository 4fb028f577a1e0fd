package host

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/docbridge/internal/bridge"
	"github.com/dshills/docbridge/internal/protocol"
)

// ErrNotRegularFile is returned when a session path is not a regular file.
var ErrNotRegularFile = errors.New("not a regular file")

// FileSessions serves files on disk as document sessions. A session's
// document type is its file extension without the dot, and its document
// is the absolute path.
type FileSessions struct {
	mu     sync.RWMutex
	byID   map[string]*fileSession
	byPath map[string]string
}

type fileSession struct {
	id      string
	path    string
	docType string
	owner   protocol.Identity
	mu      sync.Mutex
}

func (s *fileSession) ID() string           { return s.id }
func (s *fileSession) DocumentType() string { return s.docType }
func (s *fileSession) OriginalPath() string { return s.path }

// Execute runs fn with the session's path while holding the session.
func (s *fileSession) Execute(ctx context.Context, fn func(doc bridge.Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.path)
}

// NewFileSessions creates an empty session set.
func NewFileSessions() *FileSessions {
	return &FileSessions{
		byID:   make(map[string]*fileSession),
		byPath: make(map[string]string),
	}
}

// Open starts a session for path owned by owner. Opening a path twice
// returns the existing session.
func (f *FileSessions) Open(path string, owner protocol.Identity) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("open session %s: %w", abs, ErrNotRegularFile)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byPath[abs]; ok {
		return id, nil
	}
	s := &fileSession{
		id:      uuid.NewString(),
		path:    abs,
		docType: strings.TrimPrefix(strings.ToLower(filepath.Ext(abs)), "."),
		owner:   owner,
	}
	f.byID[s.id] = s
	f.byPath[abs] = s.id
	return s.id, nil
}

// Close ends a session. It returns the session's owner.
func (f *FileSessions) Close(id string) (protocol.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return protocol.Identity{}, false
	}
	delete(f.byID, id)
	delete(f.byPath, s.path)
	return s.owner, true
}

// Lookup returns the session open for path.
func (f *FileSessions) Lookup(path string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.byPath[filepath.Clean(path)]
	return id, ok
}

// Owner returns the identity a session was opened for.
func (f *FileSessions) Owner(id string) (protocol.Identity, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.byID[id]
	if !ok {
		return protocol.Identity{}, false
	}
	return s.owner, true
}

// Paths returns the open paths, sorted.
func (f *FileSessions) Paths() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.byPath))
	for p := range f.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TryGetSession implements bridge.SessionProvider. A session owned by a
// group is visible only to requestors of that group.
func (f *FileSessions) TryGetSession(id string, identity protocol.Identity) (bridge.Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	if s.owner.GroupID != "" && s.owner.GroupID != identity.GroupID {
		return nil, false
	}
	return s, true
}

// FormatRaw is the output format that passes file contents through.
const FormatRaw = "raw"

// RawConverter converts file sessions by reading the file as is.
type RawConverter struct {
	// MaxBytes rejects larger files when positive.
	MaxBytes int64
}

// ConvertToBytes implements bridge.ConversionService.
func (c RawConverter) ConvertToBytes(ctx context.Context, doc bridge.Document, documentType, format string, _ map[string]string) ([]byte, error) {
	if format != FormatRaw {
		return nil, fmt.Errorf("convert %s to %s: unsupported format", documentType, format)
	}
	path, ok := doc.(string)
	if !ok {
		return nil, fmt.Errorf("convert: unexpected document %T", doc)
	}
	if c.MaxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > c.MaxBytes {
			return nil, fmt.Errorf("convert %s: %d bytes exceeds %d", path, info.Size(), c.MaxBytes)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// IsFormatSupported implements bridge.ConversionService.
func (RawConverter) IsFormatSupported(_ string, format string) bool {
	return format == FormatRaw
}

// MimeType implements bridge.ConversionService.
func (RawConverter) MimeType(format string) string {
	if format == FormatRaw {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + format); t != "" {
		return t
	}
	return "application/octet-stream"
}

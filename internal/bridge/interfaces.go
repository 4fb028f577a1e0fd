package bridge

import (
	"context"

	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/protocol"
)

// Document is the opaque document a session guards.
type Document any

// Session is one open document.
type Session interface {
	ID() string
	DocumentType() string
	OriginalPath() string
	// Execute runs fn with exclusive access to the document.
	Execute(ctx context.Context, fn func(doc Document) error) error
}

// SessionProvider resolves sessions visible to an identity.
type SessionProvider interface {
	TryGetSession(id string, identity protocol.Identity) (Session, bool)
}

// ConversionService renders documents into output formats.
type ConversionService interface {
	ConvertToBytes(ctx context.Context, doc Document, documentType, format string, options map[string]string) ([]byte, error)
	IsFormatSupported(documentType, format string) bool
	MimeType(format string) string
}

// Extensions is the part of the extension registry the bridge uses.
// *extension.Registry implements it.
type Extensions interface {
	Definition(id string) (*extension.Definition, bool)
	Get(ctx context.Context, id string) (*extension.Instance, error)
	GetIfRunning(id string) *extension.Instance
	OnExtensionError(fn func(extension.ErrorEvent))
}

var _ Extensions = (*extension.Registry)(nil)

package extension

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/logging"
)

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml", ".json":
		return true
	}
	return false
}

// LoadManifest parses one manifest file. The format follows the file
// extension.
func LoadManifest(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	def := &Definition{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(def)
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(def)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(def)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// Resolver validates definitions and resolves their capabilities against
// operator limits.
type Resolver struct {
	Limits      config.LimitsConfig
	DefaultMode string
	Logger      zerolog.Logger
}

// Prepare validates def, resolves its effective capabilities and marks it
// available or not. taken reports ids already in use.
func (r Resolver) Prepare(def *Definition, taken func(id string) bool) {
	for _, w := range def.Resolve(r.Limits, r.DefaultMode) {
		r.Logger.Warn().Str("extension", def.ID).Msg(w)
	}
	if err := def.Validate(); err != nil {
		def.MarkUnavailable(err.Error())
		r.Logger.Warn().Err(err).Str("extension", def.ID).Str("source", def.Source).Msg("extension marked unavailable")
		return
	}
	if taken != nil && taken(def.ID) {
		reason := fmt.Sprintf("%v: duplicate id %q", ErrInvalidDefinition, def.ID)
		def.MarkUnavailable(reason)
		r.Logger.Warn().Str("extension", def.ID).Str("source", def.Source).Msg("duplicate extension id, marked unavailable")
		return
	}
	def.MarkAvailable()
}

// LoadDefinitions reads every manifest in dir, sorted by file name. A
// manifest that fails to parse is skipped with a warning. A definition that
// fails validation is returned marked unavailable.
func LoadDefinitions(dir string, r Resolver) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read extensions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var defs []*Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadManifest(path)
		if err != nil {
			r.Logger.Warn().Err(err).Str("path", path).Msg("skipping extension manifest")
			continue
		}
		r.Prepare(def, func(id string) bool { return seen[id] })
		if ok, _ := def.Available(); ok {
			seen[def.ID] = true
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DefaultResolver builds a Resolver from cfg.
func DefaultResolver(cfg *config.Config) Resolver {
	return Resolver{
		Limits:      cfg.Limits,
		DefaultMode: cfg.Transport.DefaultMode,
		Logger:      logging.Component("extension"),
	}
}

// Package transfer moves catalog data in and out of the portal: bulk
// imports from CSV, JSON, NDJSON or YAML, and exports to CSV, JSON, NDJSON
// or a SQLite snapshot. Rows reference their dependencia and subdependencia
// by code so files are portable between installations.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/civica-gov/civica/internal/storage"
)

// Entity names a transferable catalog table.
type Entity string

const (
	EntityDependencias    Entity = "dependencias"
	EntitySubdependencias Entity = "subdependencias"
	EntityTramites        Entity = "tramites"
	EntityOPAs            Entity = "opas"
	EntityFAQs            Entity = "faqs"

	// EntityAll selects every entity. Only SQLite exports accept it.
	EntityAll Entity = "all"
)

// Entities lists every entity in reference order: a file for a later entity
// may only reference rows of earlier ones.
var Entities = []Entity{EntityDependencias, EntitySubdependencias, EntityTramites, EntityOPAs, EntityFAQs}

// ParseEntity validates an entity name.
func ParseEntity(s string) (Entity, error) {
	e := Entity(strings.ToLower(strings.TrimSpace(s)))
	if e == EntityAll {
		return e, nil
	}
	for _, known := range Entities {
		if e == known {
			return e, nil
		}
	}
	return "", fmt.Errorf("%w: entity %q", ErrUnsupported, s)
}

// Format is a file format.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatSQLite Format = "sqlite"
)

// ParseFormat validates a format name. "yml" is accepted as YAML.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatNDJSON, FormatYAML, FormatSQLite:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: format %q", ErrUnsupported, s)
}

// ContentType is the media type of an exported file.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatYAML:
		return "application/yaml"
	case FormatSQLite:
		return "application/vnd.sqlite3"
	}
	return "application/octet-stream"
}

// Mode controls how imported rows that already exist are handled.
type Mode string

const (
	// ModeUpsert updates existing rows and creates missing ones.
	ModeUpsert Mode = "upsert"
	// ModeCreate rejects rows whose key already exists.
	ModeCreate Mode = "create"
)

// ParseMode validates an import mode. The empty string is ModeUpsert.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeUpsert:
		return ModeUpsert, nil
	case ModeCreate:
		return m, nil
	}
	return "", fmt.Errorf("%w: mode %q", ErrUnsupported, s)
}

// Options configures an import.
type Options struct {
	DryRun bool
	Mode   Mode
}

// RowError is a problem with one input row. Rows are numbered from 1,
// excluding the CSV header.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Report summarizes an import. When Errors is non-empty nothing was written
// and the counts describe what a clean file would have done.
type Report struct {
	Entity  Entity     `json:"entity"`
	Total   int        `json:"total"`
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Errors  []RowError `json:"errors"`
	DryRun  bool       `json:"dry_run"`
}

// MaxImportRows bounds a single import file.
const MaxImportRows = 10000

var (
	// ErrUnsupported is returned for unknown entities, formats or modes, and
	// for combinations that are not offered (importing SQLite, say).
	ErrUnsupported = errors.New("transfer: unsupported")

	// ErrMalformed is returned when an input file cannot be parsed at all.
	ErrMalformed = errors.New("transfer: malformed input")
)

// Service imports and exports catalog data.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a transfer service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

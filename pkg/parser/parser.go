// Package parser defines the pluggable extractor contract consumed by
// the indexing pipeline. Concrete format parsers live outside this
// repository; the registry only resolves which one handles a path and
// shields the pipeline from their failures.
package parser

// Validation is the result of a cheap structural check on a file.
type Validation struct {
	Valid  bool
	Reason string
}

// Parser extracts index metadata from files it supports.
type Parser interface {
	// Name identifies the parser in logs and events.
	Name() string

	// Supports reports whether this parser handles the given path.
	Supports(path string) bool

	// QuickValidate performs a cheap structural check without full
	// extraction.
	QuickValidate(path string) Validation

	// ExtractIndexMetadata returns index-relevant fields for the file.
	// A returned error never aborts the enclosing task; the file is
	// indexed with reduced metadata completeness instead.
	ExtractIndexMetadata(path string) (map[string]any, error)
}

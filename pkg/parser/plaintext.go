package parser

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// plainTextExtensions are handled by the built-in plain-text parser.
var plainTextExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".csv": {}, ".log": {}, ".json": {},
	".yaml": {}, ".yml": {}, ".xml": {}, ".html": {},
}

// maxSampledLines bounds how much of a file the plain-text parser reads.
const maxSampledLines = 200

// PlainText is a minimal built-in parser for textual formats. It
// demonstrates the registry contract and gives otherwise-unparsed text
// files basic index metadata.
type PlainText struct{}

// NewPlainText creates the built-in plain-text parser.
func NewPlainText() *PlainText {
	return &PlainText{}
}

// Name identifies the parser.
func (p *PlainText) Name() string { return "plaintext" }

// Supports reports whether the path has a known textual extension.
func (p *PlainText) Supports(path string) bool {
	_, ok := plainTextExtensions[strings.ToLower(filepath.Ext(path))]

	return ok
}

// QuickValidate checks that the file opens and starts with valid UTF-8.
func (p *PlainText) QuickValidate(path string) Validation {
	f, err := os.Open(path)
	if err != nil {
		return Validation{Valid: false, Reason: err.Error()}
	}
	defer f.Close()

	buf := make([]byte, 512)

	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Validation{Valid: false, Reason: err.Error()}
	}

	// Trim a rune that may be cut off at the buffer boundary.
	sample := buf[:n]
	for len(sample) > 0 && !utf8.Valid(sample) {
		sample = sample[:len(sample)-1]

		if n-len(sample) > utf8.UTFMax {
			return Validation{Valid: false, Reason: "not valid utf-8"}
		}
	}

	return Validation{Valid: true}
}

// ExtractIndexMetadata samples the file head and reports line/word
// counts and the first non-empty line as a title candidate.
func (p *PlainText) ExtractIndexMetadata(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		lines int
		words int
		title string
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() && lines < maxSampledLines {
		line := scanner.Text()
		lines++
		words += len(strings.Fields(line))

		if title == "" {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				title = trimmed
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"sampled_lines": lines,
		"sampled_words": words,
		"title":         title,
	}, nil
}

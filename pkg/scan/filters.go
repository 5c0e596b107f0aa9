package scan

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/curatorhq/curator/pkg/config"
)

// Filters drop paths before they reach hashing. The chain is applied in
// a fixed order: include globs, exclude globs, extension/MIME
// allowlist, size range, modified-after window.
type Filters struct {
	Include       []string
	Exclude       []string
	Extensions    []string
	MimeTypes     []string
	MinSize       int64
	MaxSize       int64
	ModifiedAfter time.Time
}

// FiltersFromConfig converts a config filter block into runtime
// filters. Extensions are normalized to lower case with a leading dot.
func FiltersFromConfig(cfg config.FilterConfig) Filters {
	exts := make([]string, 0, len(cfg.Extensions))

	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		exts = append(exts, ext)
	}

	return Filters{
		Include:       cfg.Include,
		Exclude:       cfg.Exclude,
		Extensions:    exts,
		MimeTypes:     cfg.MimeTypes,
		MinSize:       cfg.MinSizeBytes(),
		MaxSize:       cfg.MaxSizeBytes(),
		ModifiedAfter: cfg.ModifiedAfterTime(),
	}
}

// BudgetFromConfig converts a config filter block's budget fields.
func BudgetFromConfig(cfg config.FilterConfig) Budget {
	return Budget{
		MaxFiles:   cfg.MaxFiles,
		MaxRuntime: cfg.MaxRuntimeDuration(),
	}
}

// Match reports whether a file survives the whole filter chain. Glob
// patterns match against the slash-separated path relative to root.
func (f Filters) Match(root, path string, info fs.FileInfo) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	rel = filepath.ToSlash(rel)

	if len(f.Include) > 0 && !matchAny(f.Include, rel) {
		return false
	}

	if matchAny(f.Exclude, rel) {
		return false
	}

	if len(f.Extensions) > 0 || len(f.MimeTypes) > 0 {
		if !f.matchType(path) {
			return false
		}
	}

	if f.MinSize > 0 && info.Size() < f.MinSize {
		return false
	}

	if f.MaxSize > 0 && info.Size() > f.MaxSize {
		return false
	}

	if !f.ModifiedAfter.IsZero() && !info.ModTime().After(f.ModifiedAfter) {
		return false
	}

	return true
}

// matchType checks the extension/MIME allowlist. Extension matches are
// cheap and tried first; content-based MIME detection reads only a
// small prefix of the file.
func (f Filters) matchType(path string) bool {
	if len(f.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(path))

		for _, allowed := range f.Extensions {
			if ext == allowed {
				return true
			}
		}
	}

	if len(f.MimeTypes) > 0 {
		detected, err := mimetype.DetectFile(path)
		if err != nil {
			return false
		}

		for _, allowed := range f.MimeTypes {
			if detected.Is(allowed) {
				return true
			}
		}
	}

	return false
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}

	return false
}

// Package identity computes and persists per-file identity (content
// hash, size, mtime, MIME) and maintains canonical/duplicate links
// between byte-identical files.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/scan"
	"github.com/curatorhq/curator/pkg/store"
)

// Observation is the outcome of observing one discovered file.
type Observation struct {
	Path string

	// Skipped is true when the manifest fast path matched and nothing
	// was hashed or written.
	Skipped bool

	// Hashed is true when content was read and a record written.
	Hashed bool

	// ParserFailed is true when a parser claimed the file but failed,
	// leaving the record with reduced metadata completeness.
	ParserFailed bool

	// Status is the persisted FileRecord status.
	Status string
}

// Engine observes discovered files and maintains duplicate groups. It
// holds injected dependencies and has no global state.
type Engine struct {
	log      logrus.FieldLogger
	store    store.Store
	registry *parser.Registry
}

// NewEngine creates an identity engine.
func NewEngine(
	log logrus.FieldLogger,
	st store.Store,
	registry *parser.Registry,
) *Engine {
	return &Engine{
		log:      log.WithField("component", "identity"),
		store:    st,
		registry: registry,
	}
}

// Observe persists the identity of one discovered file. It is
// idempotent per unchanged content: when the manifest fingerprint
// matches the file's current mtime and size, no hashing happens and no
// write is issued. Per-file read problems are recorded on the record's
// status and never returned as errors; only persistence failures
// propagate.
func (e *Engine) Observe(
	ctx context.Context, runID, root string, d scan.Discovered,
) (Observation, error) {
	obs := Observation{Path: d.Path}

	entry, err := e.store.GetManifestEntry(ctx, d.Path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return obs, err
	}

	if entry != nil && entry.MTime == d.MTime.UnixNano() && entry.Size == d.Size {
		obs.Skipped = true
		obs.Status = store.FileStatusActive

		return obs, nil
	}

	hash, hashErr := HashFile(d.Path)
	if hashErr != nil {
		return e.recordUnreadable(ctx, d.Path, hashErr)
	}

	mime := ""
	if mt, err := mimetype.DetectFile(d.Path); err == nil {
		mime = mt.String()
	}

	record := &store.FileRecord{
		Path:         d.Path,
		ContentHash:  hash,
		Size:         d.Size,
		MTime:        d.MTime,
		Mime:         mime,
		Status:       store.FileStatusActive,
		MetaComplete: true,
	}

	e.extractMetadata(record, &obs)

	manifest := &store.ManifestEntry{
		Root:        root,
		Path:        d.Path,
		ContentHash: hash,
		Size:        d.Size,
		MTime:       d.MTime.UnixNano(),
		RunID:       runID,
	}

	if err := e.store.UpsertObservation(ctx, record, manifest); err != nil {
		return obs, err
	}

	obs.Hashed = true
	obs.Status = record.Status

	return obs, nil
}

// extractMetadata runs the parser registry for the record's path. A
// failing parser downgrades metadata completeness; it never aborts.
func (e *Engine) extractMetadata(record *store.FileRecord, obs *Observation) {
	p := e.registry.Find(record.Path)
	if p == nil {
		return
	}

	if v := p.QuickValidate(record.Path); !v.Valid {
		record.Status = store.FileStatusDamaged
		record.MetaComplete = false

		e.log.WithFields(logrus.Fields{
			"path":   record.Path,
			"parser": p.Name(),
			"reason": v.Reason,
		}).Debug("File failed quick validation")

		return
	}

	fields, err := p.ExtractIndexMetadata(record.Path)
	if err != nil {
		record.MetaComplete = false
		obs.ParserFailed = true

		e.log.WithError(err).WithFields(logrus.Fields{
			"path":   record.Path,
			"parser": p.Name(),
		}).Debug("Parser failed, indexing with reduced metadata")

		return
	}

	if data, err := json.Marshal(fields); err == nil {
		record.MetadataJSON = string(data)
	}
}

// recordUnreadable flags a file that vanished or became unreadable
// between discovery and hashing. Missing records for unknown paths are
// dropped silently.
func (e *Engine) recordUnreadable(
	ctx context.Context, path string, cause error,
) (Observation, error) {
	status := store.FileStatusDamaged
	if os.IsNotExist(cause) {
		status = store.FileStatusMissing
	}

	obs := Observation{Path: path, Status: status}

	err := e.store.MarkFileStatus(ctx, path, status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return obs, err
	}

	e.log.WithError(cause).WithFields(logrus.Fields{
		"path":   path,
		"status": status,
	}).Debug("File unreadable at hash time")

	return obs, nil
}

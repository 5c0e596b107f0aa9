package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertObservation writes a FileRecord and its ManifestEntry in one
// transaction. The manifest entry is never visible without the file
// record it fingerprints.
func (s *store) UpsertObservation(
	ctx context.Context, file *FileRecord, entry *ManifestEntry,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"content_hash", "size", "m_time", "mime",
					"status", "metadata_json", "meta_complete",
					"updated_at",
				}),
			}).Create(file).Error; err != nil {
				return err
			}

			entry.UpdatedAt = time.Now().UTC()

			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"root", "content_hash", "size", "m_time",
					"run_id", "updated_at",
				}),
			}).Create(entry).Error
		})
	})
}

// GetFileByPath looks up a file record by its absolute path.
func (s *store) GetFileByPath(
	ctx context.Context, path string,
) (*FileRecord, error) {
	var file FileRecord

	err := s.db.WithContext(ctx).
		Where("path = ?", path).
		First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &file, nil
}

// GetManifestEntry looks up the manifest fingerprint for a path.
func (s *store) GetManifestEntry(
	ctx context.Context, path string,
) (*ManifestEntry, error) {
	var entry ManifestEntry

	err := s.db.WithContext(ctx).
		Where("path = ?", path).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// CountManifestForRoot counts manifest entries under a scan root.
func (s *store) CountManifestForRoot(
	ctx context.Context, root string,
) (int64, error) {
	var count int64

	err := s.db.WithContext(ctx).
		Model(&ManifestEntry{}).
		Where("root = ?", root).
		Count(&count).Error

	return count, err
}

// MarkFileStatus re-flags an existing file record, e.g. to missing or
// damaged. The content hash is left untouched.
func (s *store) MarkFileStatus(
	ctx context.Context, path, status string,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&FileRecord{}).
			Where("path = ?", path).
			Updates(map[string]any{
				"status":     status,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// ListActiveFileHashes returns id/hash pairs of active file records,
// ordered by hash then id so callers can group in one pass.
func (s *store) ListActiveFileHashes(
	ctx context.Context,
) ([]FileHash, error) {
	var rows []FileHash

	err := s.db.WithContext(ctx).
		Model(&FileRecord{}).
		Select("id", "content_hash").
		Where("status = ? AND content_hash <> ''", FileStatusActive).
		Order("content_hash, id").
		Find(&rows).Error

	return rows, err
}

// ReplaceExactDuplicates atomically rebuilds all exact duplicate
// relationships. Reserved near relationships are preserved.
func (s *store) ReplaceExactDuplicates(
	ctx context.Context, rels []DuplicateRelationship,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("relation_type = ?", RelationExact).
				Delete(&DuplicateRelationship{}).Error; err != nil {
				return err
			}

			if len(rels) == 0 {
				return nil
			}

			return tx.Create(&rels).Error
		})
	})
}

// ListDuplicatesOf returns the duplicate links pointing at a canonical
// file record.
func (s *store) ListDuplicatesOf(
	ctx context.Context, canonicalID uint,
) ([]DuplicateRelationship, error) {
	var rels []DuplicateRelationship

	err := s.db.WithContext(ctx).
		Where("canonical_id = ?", canonicalID).
		Order("duplicate_id").
		Find(&rels).Error

	return rels, err
}

// ListDuplicateRelationships returns all duplicate links.
func (s *store) ListDuplicateRelationships(
	ctx context.Context,
) ([]DuplicateRelationship, error) {
	var rels []DuplicateRelationship

	err := s.db.WithContext(ctx).
		Order("canonical_id, duplicate_id").
		Find(&rels).Error

	return rels, err
}

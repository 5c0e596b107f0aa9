package identity

import (
	"context"

	"github.com/curatorhq/curator/pkg/store"
)

// RebuildDuplicateGroups regroups all active file records by content
// hash and rebuilds the exact duplicate relationships. Within a group
// the lowest-id member is canonical and never carries an outgoing link,
// so no chains can form. The rebuild is idempotent: as long as no
// canonical member disappears, re-running produces identical links.
// Returns the number of duplicate groups.
func (e *Engine) RebuildDuplicateGroups(ctx context.Context) (int, error) {
	rows, err := e.store.ListActiveFileHashes(ctx)
	if err != nil {
		return 0, err
	}

	var (
		rels   []store.DuplicateRelationship
		groups int
	)

	// Rows arrive ordered by hash then id, so each group's first row
	// is its canonical member.
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && rows[j].ContentHash == rows[i].ContentHash {
			j++
		}

		if j-i >= 2 {
			groups++

			canonical := rows[i].ID
			for k := i + 1; k < j; k++ {
				rels = append(rels, store.DuplicateRelationship{
					CanonicalID:  canonical,
					DuplicateID:  rows[k].ID,
					RelationType: store.RelationExact,
				})
			}
		}

		i = j
	}

	if err := e.store.ReplaceExactDuplicates(ctx, rels); err != nil {
		return 0, err
	}

	e.log.WithField("groups", groups).Debug("Duplicate groups rebuilt")

	return groups, nil
}

package store

import (
	"fmt"

	"blockcollab/backend/internal/model"
)

func versionConflict(blockID string, expected, current int64) error {
	return fmt.Errorf("block %s: expected version %d, current %d: %w", blockID, expected, current, model.ErrVersionConflict)
}

func blockNotFound(docID, blockID string) error {
	return fmt.Errorf("block %s/%s: %w", docID, blockID, model.ErrNotFound)
}

func documentNotFound(docID string) error {
	return fmt.Errorf("document %s: %w", docID, model.ErrNotFound)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"blockcollab/backend/internal/model"
)

func (s *GormStore) ListBlocks(ctx context.Context, docID string) ([]model.Block, error) {
	var recs []BlockRecord
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("block_index ASC").Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Block, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *GormStore) GetBlock(ctx context.Context, docID, blockID string) (model.Block, error) {
	var rec BlockRecord
	err := s.db.WithContext(ctx).Where("doc_id = ? AND id = ?", docID, blockID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Block{}, blockNotFound(docID, blockID)
		}
		return model.Block{}, err
	}
	return rec.model(), nil
}

func (s *GormStore) InsertBlock(ctx context.Context, docID string, b model.Block) error {
	rec := blockRecord(docID, b, b.LastModifiedAt)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: block %s already exists", model.ErrInvalidArgument, b.ID)
		}
		return err
	}
	return nil
}

// UpdateBlock locks the row, checks the expected version and writes the
// next version. The version predicate on the UPDATE guards against writers
// that bypass the row lock.
func (s *GormStore) UpdateBlock(ctx context.Context, upd model.BlockUpdate, actor string, at time.Time) (model.Block, error) {
	var out model.Block
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec BlockRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("doc_id = ? AND id = ?", upd.DocID, upd.BlockID).
			First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return blockNotFound(upd.DocID, upd.BlockID)
			}
			return err
		}
		b := rec.model()
		prev := b.Version
		if err := applyUpdate(&b, upd, actor, at); err != nil {
			return err
		}
		res := tx.Model(&BlockRecord{}).
			Where("doc_id = ? AND id = ? AND version = ?", upd.DocID, upd.BlockID, prev).
			Updates(map[string]any{
				"block_index": b.Index,
				"kind":        b.Kind,
				"text":        b.Text,
				"version":     b.Version,
				"updated_by":  b.LastModifiedBy,
				"updated_at":  b.LastModifiedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("block %s changed concurrently: %w", upd.BlockID, model.ErrVersionConflict)
		}
		out = b
		return nil
	})
	return out, err
}

func (s *GormStore) DeleteBlock(ctx context.Context, docID, blockID string) error {
	res := s.db.WithContext(ctx).Where("doc_id = ? AND id = ?", docID, blockID).Delete(&BlockRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return blockNotFound(docID, blockID)
	}
	return nil
}

// Package store persists documents, collaborators and blocks. Locks are not
// stored here; they live in the lease cache and are merged in by collab.
package store

import (
	"context"
	"time"

	"blockcollab/backend/internal/model"
)

// BlockStore is implemented by GormStore and MemoryStore.
type BlockStore interface {
	CreateDocument(ctx context.Context, doc model.Document) error
	GetDocument(ctx context.Context, docID string) (model.Document, error)
	UpdateDocument(ctx context.Context, fields model.DocumentFields, at time.Time) (model.Document, error)
	SetCollaborators(ctx context.Context, docID string, users []string) error

	// ListBlocks returns blocks ordered by index, then creation.
	ListBlocks(ctx context.Context, docID string) ([]model.Block, error)
	GetBlock(ctx context.Context, docID, blockID string) (model.Block, error)
	InsertBlock(ctx context.Context, docID string, b model.Block) error
	// UpdateBlock applies upd when its ExpectedVersion (if any) matches and
	// bumps the version by one.
	UpdateBlock(ctx context.Context, upd model.BlockUpdate, actor string, at time.Time) (model.Block, error)
	DeleteBlock(ctx context.Context, docID, blockID string) error
}

type DocumentRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID   string `gorm:"type:varchar(64);index"`
	Title     string `gorm:"type:varchar(255)"`
	Category  string `gorm:"column:stack;type:varchar(64)"`
	Chapter   *int
	Section   *int
	Content   string `gorm:"type:longtext"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (DocumentRecord) TableName() string { return "documents" }

type CollaboratorRecord struct {
	DocID     string `gorm:"primaryKey;type:varchar(64)"`
	UserID    string `gorm:"primaryKey;type:varchar(64)"`
	CreatedAt time.Time
}

func (CollaboratorRecord) TableName() string { return "document_collaborators" }

type BlockRecord struct {
	DocID     string `gorm:"primaryKey;type:varchar(64)"`
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Index     int    `gorm:"column:block_index;index"`
	Kind      string `gorm:"type:varchar(32)"`
	Text      string `gorm:"type:longtext"`
	Version   int64
	UpdatedBy string `gorm:"type:varchar(64)"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (BlockRecord) TableName() string { return "blocks" }

func documentRecord(d model.Document) DocumentRecord {
	return DocumentRecord{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Category:  d.Category,
		Chapter:   d.Chapter,
		Section:   d.Section,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (r DocumentRecord) model(collaborators []string) model.Document {
	return model.Document{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Title:         r.Title,
		Category:      r.Category,
		Chapter:       r.Chapter,
		Section:       r.Section,
		Content:       r.Content,
		Collaborators: collaborators,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func blockRecord(docID string, b model.Block, at time.Time) BlockRecord {
	return BlockRecord{
		DocID:     docID,
		ID:        b.ID,
		Index:     b.Index,
		Kind:      b.Kind,
		Text:      b.Text,
		Version:   b.Version,
		UpdatedBy: b.LastModifiedBy,
		CreatedAt: at,
		UpdatedAt: b.LastModifiedAt,
	}
}

func (r BlockRecord) model() model.Block {
	return model.Block{
		ID:             r.ID,
		Index:          r.Index,
		Kind:           r.Kind,
		Text:           r.Text,
		Version:        r.Version,
		LastModifiedBy: r.UpdatedBy,
		LastModifiedAt: r.UpdatedAt,
	}
}

// applyUpdate checks the expected version and applies the set fields to b.
func applyUpdate(b *model.Block, upd model.BlockUpdate, actor string, at time.Time) error {
	if upd.ExpectedVersion != nil && *upd.ExpectedVersion != b.Version {
		return versionConflict(upd.BlockID, *upd.ExpectedVersion, b.Version)
	}
	if upd.Text != nil {
		b.Text = *upd.Text
	}
	if upd.Kind != nil {
		b.Kind = *upd.Kind
	}
	if upd.Index != nil {
		b.Index = *upd.Index
	}
	b.Version++
	b.LastModifiedBy = actor
	b.LastModifiedAt = at
	return nil
}

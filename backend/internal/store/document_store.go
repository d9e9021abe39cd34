package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"blockcollab/backend/internal/model"
)

// GormStore is the MySQL BlockStore.
type GormStore struct{ db *gorm.DB }

var _ BlockStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func isDuplicate(err error) bool {
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) CreateDocument(ctx context.Context, doc model.Document) error {
	rec := documentRecord(doc)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: document %s already exists", model.ErrInvalidArgument, doc.ID)
			}
			return err
		}
		return insertCollaborators(tx, doc.ID, doc.Collaborators, doc.CreatedAt)
	})
	return err
}

func insertCollaborators(tx *gorm.DB, docID string, users []string, at time.Time) error {
	for _, u := range users {
		if u == "" {
			continue
		}
		err := tx.Create(&CollaboratorRecord{DocID: docID, UserID: u, CreatedAt: at}).Error
		if err != nil && !isDuplicate(err) {
			return err
		}
	}
	return nil
}

func (s *GormStore) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	db := s.db.WithContext(ctx)
	var rec DocumentRecord
	if err := db.Where("id = ?", docID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Document{}, documentNotFound(docID)
		}
		return model.Document{}, err
	}
	var users []string
	if err := db.Model(&CollaboratorRecord{}).Where("doc_id = ?", docID).Order("user_id").Pluck("user_id", &users).Error; err != nil {
		return model.Document{}, err
	}
	return rec.model(users), nil
}

func (s *GormStore) UpdateDocument(ctx context.Context, fields model.DocumentFields, at time.Time) (model.Document, error) {
	doc, err := s.GetDocument(ctx, fields.DocID)
	if err != nil {
		return model.Document{}, err
	}
	fields.Apply(&doc)
	doc.UpdatedAt = at
	err = s.db.WithContext(ctx).Model(&DocumentRecord{}).Where("id = ?", doc.ID).Updates(map[string]any{
		"title":      doc.Title,
		"stack":      doc.Category,
		"chapter":    doc.Chapter,
		"section":    doc.Section,
		"updated_at": at,
	}).Error
	if err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

// SetCollaborators replaces the collaborator rows of a document.
func (s *GormStore) SetCollaborators(ctx context.Context, docID string, users []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_id = ?", docID).Delete(&CollaboratorRecord{}).Error; err != nil {
			return err
		}
		return insertCollaborators(tx, docID, users, time.Now())
	})
}

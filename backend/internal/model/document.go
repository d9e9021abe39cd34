package model

import (
	"fmt"
	"strings"
	"time"
)

// Document carries the non-block fields of a document plus the legacy
// single-field content used to seed the first block of an empty document.
type Document struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Title         string    `json:"title"`
	Category      string    `json:"stack"`
	Chapter       *int      `json:"chapter,omitempty"`
	Section       *int      `json:"section,omitempty"`
	Content       string    `json:"content,omitempty"`
	Collaborators []string  `json:"collaborators,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CanAccess reports whether userID is the owner or a collaborator.
func (d Document) CanAccess(userID string) bool {
	if userID == "" {
		return false
	}
	if d.OwnerID == userID {
		return true
	}
	for _, c := range d.Collaborators {
		if c == userID {
			return true
		}
	}
	return false
}

// DocumentFields is the document-level part of a save. Nil fields are not written.
type DocumentFields struct {
	DocID    string  `json:"-"`
	Title    *string `json:"title,omitempty"`
	Category *string `json:"stack,omitempty"`
	Chapter  *int    `json:"chapter,omitempty"`
	Section  *int    `json:"section,omitempty"`
}

// Validate applies the editor's save rules: a title and a category are required.
func (f DocumentFields) Validate() error {
	if f.Title == nil || strings.TrimSpace(*f.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if f.Category == nil || strings.TrimSpace(*f.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidArgument)
	}
	return nil
}

// Apply copies the set fields onto d, trimming strings.
func (f DocumentFields) Apply(d *Document) {
	if f.Title != nil {
		d.Title = strings.TrimSpace(*f.Title)
	}
	if f.Category != nil {
		d.Category = strings.TrimSpace(*f.Category)
	}
	if f.Chapter != nil {
		v := *f.Chapter
		d.Chapter = &v
	}
	if f.Section != nil {
		v := *f.Section
		d.Section = &v
	}
}

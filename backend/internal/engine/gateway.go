package engine

import (
	"context"

	"blockcollab/backend/internal/model"
)

// Gateway is the block store as seen by the editing engine. Every call is a
// suspension point; implementations bound each call with their own timeout.
type Gateway interface {
	GetDocument(ctx context.Context, docID string) (model.Document, error)
	UpdateDocument(ctx context.Context, fields model.DocumentFields) error

	CreateBlock(ctx context.Context, docID string, index int, kind, text string) (model.Block, error)
	// UpdateBlock returns the version assigned by the store. It fails with
	// model.ErrVersionConflict when ExpectedVersion is stale.
	UpdateBlock(ctx context.Context, upd model.BlockUpdate) (int64, error)
	DeleteBlock(ctx context.Context, docID, blockID string) error

	AcquireLock(ctx context.Context, docID, blockID string) (model.Lease, error)
	RenewLock(ctx context.Context, docID, blockID string) (model.Lease, error)
	ReleaseLock(ctx context.Context, docID, blockID string) error

	Subscribe(ctx context.Context, docID string) (Subscription, error)
}

// Subscription delivers the full ordered block list on every remote change
// until Close is called. The Snapshots channel is closed after Close.
type Subscription interface {
	Snapshots() <-chan []model.Block
	Close() error
}

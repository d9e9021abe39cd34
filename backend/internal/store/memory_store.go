package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"blockcollab/backend/internal/model"
)

type memBlock struct {
	model.Block
	seq uint64
}

// MemoryStore keeps everything in process. It backs dev mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]model.Document
	blocks map[string]map[string]*memBlock
	seq    uint64
}

var _ BlockStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]model.Document),
		blocks: make(map[string]map[string]*memBlock),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("%w: document %s already exists", model.ErrInvalidArgument, doc.ID)
	}
	doc.Collaborators = dedupe(doc.Collaborators)
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, docID string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return model.Document{}, documentNotFound(docID)
	}
	d.Collaborators = append([]string(nil), d.Collaborators...)
	return d, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, fields model.DocumentFields, at time.Time) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[fields.DocID]
	if !ok {
		return model.Document{}, documentNotFound(fields.DocID)
	}
	fields.Apply(&d)
	d.UpdatedAt = at
	s.docs[d.ID] = d
	return d, nil
}

func (s *MemoryStore) SetCollaborators(_ context.Context, docID string, users []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return documentNotFound(docID)
	}
	d.Collaborators = dedupe(users)
	s.docs[docID] = d
	return nil
}

func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) ListBlocks(_ context.Context, docID string) ([]model.Block, error) {
	s.mu.RLock()
	rows := make([]*memBlock, 0, len(s.blocks[docID]))
	for _, b := range s.blocks[docID] {
		rows = append(rows, b)
	}
	out := make([]model.Block, 0, len(rows))
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Index != rows[j].Index {
			return rows[i].Index < rows[j].Index
		}
		return rows[i].seq < rows[j].seq
	})
	for _, b := range rows {
		out = append(out, b.Block)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) GetBlock(_ context.Context, docID, blockID string) (model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[docID][blockID]
	if !ok {
		return model.Block{}, blockNotFound(docID, blockID)
	}
	return b.Block, nil
}

func (s *MemoryStore) InsertBlock(_ context.Context, docID string, b model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.blocks[docID]
	if !ok {
		rows = make(map[string]*memBlock)
		s.blocks[docID] = rows
	}
	if _, dup := rows[b.ID]; dup {
		return fmt.Errorf("%w: block %s already exists", model.ErrInvalidArgument, b.ID)
	}
	s.seq++
	b.LockHolder, b.LockExpiresAt = "", time.Time{}
	rows[b.ID] = &memBlock{Block: b, seq: s.seq}
	return nil
}

func (s *MemoryStore) UpdateBlock(_ context.Context, upd model.BlockUpdate, actor string, at time.Time) (model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.blocks[upd.DocID][upd.BlockID]
	if !ok {
		return model.Block{}, blockNotFound(upd.DocID, upd.BlockID)
	}
	b := row.Block
	if err := applyUpdate(&b, upd, actor, at); err != nil {
		return model.Block{}, err
	}
	row.Block = b
	return b, nil
}

func (s *MemoryStore) DeleteBlock(_ context.Context, docID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[docID][blockID]; !ok {
		return blockNotFound(docID, blockID)
	}
	delete(s.blocks[docID], blockID)
	return nil
}

package collab

import (
	"context"
	"errors"
	"fmt"

	"blockcollab/backend/internal/model"
)

const DefaultWriteSlots = 100

// SemaphoreControl bounds concurrent store writes and Kafka sends.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(slots int) *SemaphoreControl {
	if slots <= 0 {
		slots = DefaultWriteSlots
	}
	return &SemaphoreControl{ch: make(chan struct{}, slots)}
}

// Acquire waits for a slot until ctx is done, then reports ErrBusy.
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: no write slot: %v", model.ErrBusy, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}

// InUse is the number of held slots.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }

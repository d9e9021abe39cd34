package model

import "time"

// KindText is the only block kind the editor renders specially; others pass through.
const KindText = "text"

// Block is one independently lockable, versioned segment of a document.
// JSON names follow the block store wire format.
type Block struct {
	ID             string    `json:"id"`
	Index          int       `json:"index"`
	Kind           string    `json:"type"`
	Text           string    `json:"text"`
	Version        int64     `json:"version"`
	LockHolder     string    `json:"lockHolder,omitempty"`
	LockExpiresAt  time.Time `json:"lockUntil"`
	LastModifiedBy string    `json:"updatedBy,omitempty"`
	LastModifiedAt time.Time `json:"updatedAt"`
}

// LockExpired reports whether the block's lease is absent or already past.
// A lease is still valid at exactly LockExpiresAt.
func (b Block) LockExpired(now time.Time) bool {
	return b.LockExpiresAt.IsZero() || now.After(b.LockExpiresAt)
}

// HeldBy reports whether userID holds a live lease on the block.
func (b Block) HeldBy(userID string, now time.Time) bool {
	return userID != "" && b.LockHolder == userID && !b.LockExpired(now)
}

// LockedByOther reports whether someone other than userID holds a live lease.
func (b Block) LockedByOther(userID string, now time.Time) bool {
	return b.LockHolder != "" && b.LockHolder != userID && !b.LockExpired(now)
}

// LockRemaining is the time left on the lease, never negative.
func (b Block) LockRemaining(now time.Time) time.Duration {
	if b.LockExpired(now) {
		return 0
	}
	return b.LockExpiresAt.Sub(now)
}

// Lease is a time-bounded lock grant returned by acquire and renew.
type Lease struct {
	DocID     string    `json:"docId,omitempty"`
	BlockID   string    `json:"blockId,omitempty"`
	Holder    string    `json:"lockHolder"`
	ExpiresAt time.Time `json:"lockUntil"`
}

// Active reports whether the lease is still valid at now.
func (l Lease) Active(now time.Time) bool {
	return l.Holder != "" && !l.ExpiresAt.IsZero() && !now.After(l.ExpiresAt)
}

// BlockUpdate is a conditional write. Nil fields are left untouched.
type BlockUpdate struct {
	DocID           string  `json:"-"`
	BlockID         string  `json:"-"`
	Text            *string `json:"text,omitempty"`
	Kind            *string `json:"type,omitempty"`
	Index           *int    `json:"index,omitempty"`
	ExpectedVersion *int64  `json:"expectedVersion,omitempty"`
}

// NewBlock is the body of a create request.
type NewBlock struct {
	Index int    `json:"index"`
	Kind  string `json:"type"`
	Text  string `json:"text"`
}

package collab

import "time"

// Event types carried on the block change topic.
const (
	EventBlockCreated    = "BLOCK_CREATED"
	EventBlockUpdated    = "BLOCK_UPDATED"
	EventBlockDeleted    = "BLOCK_DELETED"
	EventLockChanged     = "LOCK_CHANGED"
	EventDocumentUpdated = "DOCUMENT_UPDATED"
)

// BlockEvent announces that a document's snapshot changed. Consumers reload
// the snapshot instead of applying the event, so events may be lost or
// reordered without harm.
type BlockEvent struct {
	EventType string    `json:"eventType"`
	EventID   string    `json:"eventId"`
	Origin    string    `json:"origin"` // instance that produced the event
	DocID     string    `json:"docId"`
	BlockID   string    `json:"blockId,omitempty"`
	ActorID   string    `json:"actorId"`
	Version   int64     `json:"version,omitempty"`
	At        time.Time `json:"at"`
}

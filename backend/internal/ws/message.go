package ws

import (
	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/model"
)

// ClientMessage is what subscribers send; only heartbeats are understood.
type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

// OutboundMessage is anything written to a subscriber.
type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type    string                 `json:"type"`
	DocID   string                 `json:"docId,omitempty"`
	Members []cache.PresenceMember `json:"members,omitempty"`
	Content string                 `json:"content,omitempty"`
}

// SnapshotMessage carries the full block list of a document.
type SnapshotMessage struct {
	Type   string        `json:"type"` // always "snapshot"
	DocID  string        `json:"docId"`
	Blocks []model.Block `json:"blocks"`
}

func (m ServerMessage) MessageType() string   { return m.Type }
func (m SnapshotMessage) MessageType() string { return m.Type }

func snapshotMessage(docID string, blocks []model.Block) SnapshotMessage {
	if blocks == nil {
		blocks = []model.Block{}
	}
	return SnapshotMessage{Type: "snapshot", DocID: docID, Blocks: blocks}
}

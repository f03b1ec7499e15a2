// Package remote is the MongoDB-backed conversation and message store.
// Realtime deltas come from change streams, which require a replica set.
package remote

import "github.com/matheus3301/chatsync/internal/model"

// ChangeKind is the type of a realtime delta.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one delta. Removed changes only carry Message.ID.
type Change struct {
	Kind    ChangeKind
	Message model.Message
}

// Batch is a group of deltas delivered together. The first batch of a watch
// is the initial page and has Initial set.
type Batch struct {
	Initial bool
	Changes []Change
}

// Receipt records that ReaderID has seen MessageID. Required is the number of
// participants other than the sender that must read it before it counts as read.
type Receipt struct {
	MessageID string
	ReaderID  string
	Required  int
}

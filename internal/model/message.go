package model

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Attachment references uploaded media. URL is empty until the upload resolves.
type Attachment struct {
	URL  string
	Kind MediaKind
}

// Pending reports whether the attachment exists but has no resolved URL yet.
func (a *Attachment) Pending() bool {
	return a != nil && a.URL == ""
}

// Message is a single chat message. ID is assigned once at composition and
// shared by the local and remote copies.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Attachment     *Attachment
	CreatedAt      time.Time
	Status         Status
	ReadBy         []string
}

// NewMessageID returns a fresh globally unique message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// Now returns the current time at the precision every store keeps (milliseconds, UTC).
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Validate checks the fields required before a message may enter the pipeline.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrInvalidMessage)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender id", ErrInvalidMessage)
	case strings.TrimSpace(m.Text) == "" && m.Attachment == nil:
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	if _, err := ParseStatus(string(m.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// HasText reports whether the message carries non-blank text.
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.ReadBy != nil {
		c.ReadBy = slices.Clone(m.ReadBy)
	}
	return c
}

// HasReader reports whether userID is in ReadBy.
func (m Message) HasReader(userID string) bool {
	_, found := slices.BinarySearch(m.ReadBy, userID)
	return found
}

// AddReader inserts userID into ReadBy keeping it sorted. Returns false if
// the reader was already present.
func (m *Message) AddReader(userID string) bool {
	i, found := slices.BinarySearch(m.ReadBy, userID)
	if found {
		return false
	}
	m.ReadBy = slices.Insert(m.ReadBy, i, userID)
	return true
}

// NormalizeReaders sorts and dedups a reader list.
func NormalizeReaders(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// SortMessages orders messages by creation time, breaking ties by ID so the
// order is deterministic.
func SortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

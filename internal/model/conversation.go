package model

import (
	"fmt"
	"slices"
	"time"
)

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	Direct ConversationKind = "direct"
	Group  ConversationKind = "group"
)

// LastMessage is the preview shown in conversation lists.
type LastMessage struct {
	Text     string
	SenderID string
	At       time.Time
}

// Conversation is a chat between an ordered list of participants.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Participants []string
	Name         string
	Last         *LastMessage
	Unread       map[string]int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate enforces the structural invariants of a conversation.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConversation)
	}
	switch c.Kind {
	case Direct:
		if len(c.Participants) != 2 || c.Participants[0] == c.Participants[1] {
			return fmt.Errorf("%w: direct conversation needs exactly two distinct participants", ErrInvalidConversation)
		}
		if c.Name != "" {
			return fmt.Errorf("%w: direct conversations have no display name", ErrInvalidConversation)
		}
	case Group:
		if len(c.Participants) == 0 {
			return fmt.Errorf("%w: group has no participants", ErrInvalidConversation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, c.Kind)
	}
	return nil
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Others returns the participants other than userID, preserving order.
func (c Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

package remote

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

type attachmentDoc struct {
	URL  string `bson:"url"`
	Kind string `bson:"kind"`
}

type messageDoc struct {
	ID             string         `bson:"_id"`
	ConversationID string         `bson:"conversationId"`
	SenderID       string         `bson:"senderId"`
	SenderName     string         `bson:"senderName,omitempty"`
	Text           string         `bson:"text,omitempty"`
	Attachment     *attachmentDoc `bson:"attachment,omitempty"`
	CreatedAt      time.Time      `bson:"createdAt"`
	Status         string         `bson:"status"`
	StatusRank     int            `bson:"statusRank"`
	ReadBy         []string       `bson:"readBy"`
}

type lastMessageDoc struct {
	Text     string    `bson:"text"`
	SenderID string    `bson:"senderId"`
	At       time.Time `bson:"at"`
}

type conversationDoc struct {
	ID           string          `bson:"_id"`
	Kind         string          `bson:"kind"`
	Participants []string        `bson:"participants"`
	Name         string          `bson:"name,omitempty"`
	LastMessage  *lastMessageDoc `bson:"lastMessage,omitempty"`
	Unread       map[string]int  `bson:"unread,omitempty"`
	CreatedAt    time.Time       `bson:"createdAt"`
	UpdatedAt    time.Time       `bson:"updatedAt"`
}

func toMessageDoc(m model.Message) messageDoc {
	d := messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt.UTC(),
		Status:         string(m.Status),
		StatusRank:     m.Status.Rank(),
		ReadBy:         model.NormalizeReaders(m.ReadBy),
	}
	if d.ReadBy == nil {
		d.ReadBy = []string{}
	}
	if m.Attachment != nil {
		d.Attachment = &attachmentDoc{URL: m.Attachment.URL, Kind: string(m.Attachment.Kind)}
	}
	return d
}

// fromMessageDoc converts a stored document. Anything below Sent in the
// remote store is reported as Sent: a remote copy exists only after a write was acknowledged.
func fromMessageDoc(d messageDoc) model.Message {
	m := model.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Text:           d.Text,
		CreatedAt:      d.CreatedAt.UTC().Truncate(time.Millisecond),
		Status:         model.Sent,
		ReadBy:         model.NormalizeReaders(d.ReadBy),
	}
	if st, err := model.ParseStatus(d.Status); err == nil && st.Rank() >= model.Sent.Rank() {
		m.Status = st
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
	if d.Attachment != nil {
		m.Attachment = &model.Attachment{URL: d.Attachment.URL, Kind: model.MediaKind(d.Attachment.Kind)}
	}
	return m
}

func toConversationDoc(c model.Conversation) conversationDoc {
	d := conversationDoc{
		ID:           c.ID,
		Kind:         string(c.Kind),
		Participants: c.Participants,
		Name:         c.Name,
		Unread:       c.Unread,
		CreatedAt:    c.CreatedAt.UTC(),
		UpdatedAt:    c.UpdatedAt.UTC(),
	}
	if c.Last != nil {
		d.LastMessage = &lastMessageDoc{Text: c.Last.Text, SenderID: c.Last.SenderID, At: c.Last.At.UTC()}
	}
	return d
}

func fromConversationDoc(d conversationDoc) model.Conversation {
	c := model.Conversation{
		ID:           d.ID,
		Kind:         model.ConversationKind(d.Kind),
		Participants: d.Participants,
		Name:         d.Name,
		Unread:       d.Unread,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.LastMessage != nil {
		c.Last = &model.LastMessage{Text: d.LastMessage.Text, SenderID: d.LastMessage.SenderID, At: d.LastMessage.At.UTC()}
	}
	return c
}

// preview is the last-message text shown for a message in conversation lists.
func preview(m model.Message) string {
	if m.HasText() {
		return m.Text
	}
	if m.Attachment != nil {
		return "[" + string(m.Attachment.Kind) + "]"
	}
	return ""
}

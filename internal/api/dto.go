package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
)

// Attachment is the wire form of a message attachment.
type Attachment struct {
	URL  string `json:"url,omitempty"`
	Kind string `json:"kind"`
	// Upload describes the local upload while the URL is unresolved.
	Upload *Upload `json:"upload,omitempty"`
}

type Upload struct {
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
}

// Message is the wire form of a message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAtMs    int64       `json:"created_at_ms"`
	Status         string      `json:"status"`
	ReadBy         []string    `json:"read_by,omitempty"`
}

type Conversation struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name,omitempty"`
	Participants []string       `json:"participants"`
	LastText     string         `json:"last_text,omitempty"`
	LastSender   string         `json:"last_sender,omitempty"`
	LastAtMs     int64          `json:"last_at_ms,omitempty"`
	Unread       map[string]int `json:"unread,omitempty"`
}

type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type Presence struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	LastSeenMs int64  `json:"last_seen_ms,omitempty"`
}

type Status struct {
	Session       string   `json:"session"`
	State         string   `json:"state"`
	Online        bool     `json:"online"`
	CacheDegraded bool     `json:"cache_degraded"`
	Conversations []string `json:"open_conversations"`
}

// Event is one line of the event stream.
type Event struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	AtMs    int64  `json:"at_ms"`
	Payload any    `json:"payload,omitempty"`
}

// SendRequest is the body of POST /v1/conversations/{id}/messages. Data is
// base64 in JSON.
type SendRequest struct {
	Text       string          `json:"text"`
	Attachment *SendAttachment `json:"attachment,omitempty"`
}

type SendAttachment struct {
	Data []byte `json:"data"`
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
}

type ReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type TypingRequest struct {
	Text string `json:"text"`
}

type Count struct {
	Count int `json:"count"`
}

type CheckResult struct {
	Online bool `json:"online"`
}

func toMessage(m model.Message, st attachment.State) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Text:           m.Text,
		CreatedAtMs:    m.CreatedAt.UnixMilli(),
		Status:         string(m.Status),
		ReadBy:         m.ReadBy,
	}
	if m.Attachment != nil {
		out.Attachment = &Attachment{URL: m.Attachment.URL, Kind: string(m.Attachment.Kind)}
		if m.Attachment.Pending() && st != nil {
			out.Attachment.Upload = toUpload(st)
		}
	}
	return out
}

func toUpload(st attachment.State) *Upload {
	u := &Upload{Phase: st.Phase()}
	switch s := st.(type) {
	case attachment.Uploading:
		u.Progress = s.Progress
	case attachment.Failed:
		u.Reason, u.Attempts = s.Reason, s.RetryCount
	case attachment.NotStarted, attachment.Cached, attachment.Uploaded:
	}
	return u
}

func toConversation(c model.Conversation) Conversation {
	out := Conversation{
		ID:           c.ID,
		Kind:         string(c.Kind),
		Name:         c.Name,
		Participants: c.Participants,
		Unread:       c.Unread,
	}
	if c.Last != nil {
		out.LastText, out.LastSender, out.LastAtMs = c.Last.Text, c.Last.SenderID, millis(c.Last.At)
	}
	return out
}

func toSearchResult(r store.SearchResult) SearchResult {
	return SearchResult{Message: toMessage(r.Message, nil), Snippet: r.Snippet}
}

func toPresence(v presence.View) Presence {
	return Presence{UserID: v.UserID, Status: string(v.Status), LastSeenMs: millis(v.LastSeen)}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
)

// RemoteConversations lists conversations from the remote store.
type RemoteConversations interface {
	Conversations(ctx context.Context, userID string, limit int) ([]model.Conversation, error)
}

// CachedConversations is the local copy of the conversation list.
type CachedConversations interface {
	SaveConversation(ctx context.Context, c model.Conversation) error
	ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error)
}

// Reader marks messages read on behalf of a user.
type Reader interface {
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, reader string) ([]model.Message, error)
}

// TypingInput feeds composer text to the typing indicator.
type TypingInput interface {
	Input(conversationID, text string)
}

// PresenceLookup reads a user's effective presence.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (presence.View, error)
}

// ChatService serves conversations, read receipts, typing and presence.
type ChatService struct {
	userID   string
	remote   RemoteConversations
	cache    CachedConversations
	conn     Connectivity
	reader   Reader
	typing   TypingInput
	presence PresenceLookup
	logger   *zap.Logger
}

// ChatDeps groups the collaborators of a ChatService.
type ChatDeps struct {
	Remote   RemoteConversations
	Cache    CachedConversations
	Conn     Connectivity
	Reader   Reader
	Typing   TypingInput
	Presence PresenceLookup
	Logger   *zap.Logger
}

func NewChatService(userID string, d ChatDeps) *ChatService {
	return &ChatService{
		userID:   userID,
		remote:   d.Remote,
		cache:    d.Cache,
		conn:     d.Conn,
		reader:   d.Reader,
		typing:   d.Typing,
		presence: d.Presence,
		logger:   logging.OrNop(d.Logger).With(zap.String("component", "api")),
	}
}

func (s *ChatService) Routes(r chi.Router) {
	r.Get("/conversations", s.ListConversations)
	r.Post("/conversations/{id}/read", s.MarkRead)
	r.Post("/conversations/{id}/typing", s.Typing)
	r.Get("/presence/{user}", s.Presence)
}

// ListConversations handles GET /v1/conversations. Online, the remote list
// is returned and cached; offline, or when the remote fails, the cached list is.
func (s *ChatService) ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.conn == nil || s.conn.Online() {
		convs, err := s.remote.Conversations(ctx, s.userID, 100)
		if err == nil {
			for _, c := range convs {
				if err := s.cache.SaveConversation(ctx, c); err != nil {
					s.logger.Warn("failed to cache conversation", zap.String("conversation", c.ID), zap.Error(err))
				}
			}
			writeJSON(w, http.StatusOK, toConversations(convs))
			return
		}
		s.logger.Warn("remote conversation list failed, serving cache", zap.Error(err))
	}
	convs, err := s.cache.ListConversations(ctx, 100, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversations(convs))
}

// MarkRead handles POST /v1/conversations/{id}/read.
func (s *ChatService) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	changed, err := s.reader.MarkRead(r.Context(), chi.URLParam(r, "id"), req.MessageIDs, s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]Message, 0, len(changed))
	for _, m := range changed {
		out = append(out, toMessage(m, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

// Typing handles POST /v1/conversations/{id}/typing with the current composer text.
func (s *ChatService) Typing(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.typing.Input(chi.URLParam(r, "id"), req.Text)
	w.WriteHeader(http.StatusNoContent)
}

// Presence handles GET /v1/presence/{user}.
func (s *ChatService) Presence(w http.ResponseWriter, r *http.Request) {
	v, err := s.presence.Lookup(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresence(v))
}

func toConversations(convs []model.Conversation) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversation(c))
	}
	return out
}

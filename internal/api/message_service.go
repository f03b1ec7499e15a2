package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Engine opens and closes conversation views.
type Engine interface {
	Open(ctx context.Context, conversationID string) (*intsync.View, error)
	Close(conversationID string)
	Views() []*intsync.View
}

// UploadStates exposes attachment upload progress.
type UploadStates interface {
	State(messageID string) attachment.State
}

// Searcher runs full-text search over cached messages.
type Searcher interface {
	SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]store.SearchResult, error)
}

// MessageService lists, sends, retries and discards messages.
type MessageService struct {
	engine   Engine
	uploads  UploadStates
	searcher Searcher
}

func NewMessageService(engine Engine, uploads UploadStates, searcher Searcher) *MessageService {
	return &MessageService{engine: engine, uploads: uploads, searcher: searcher}
}

func (s *MessageService) Routes(r chi.Router) {
	r.Route("/conversations/{id}/messages", func(r chi.Router) {
		r.Get("/", s.List)
		r.Post("/", s.Send)
		r.Post("/{mid}/retry", s.Retry)
		r.Delete("/{mid}", s.Discard)
	})
	r.Delete("/conversations/{id}/view", s.CloseView)
	r.Get("/search", s.Search)
}

func (s *MessageService) view(r *http.Request) (*intsync.View, error) {
	return s.engine.Open(r.Context(), chi.URLParam(r, "id"))
}

// List handles GET /v1/conversations/{id}/messages. The merged list is
// returned in display order.
func (s *MessageService) List(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := v.Messages()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toMessages(msgs))
}

// Send handles POST /v1/conversations/{id}/messages. The message is
// accepted once staged; delivery continues in the background.
func (s *MessageService) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var att *intsync.Outgoing
	if req.Attachment != nil {
		att = &intsync.Outgoing{
			Data: req.Attachment.Data,
			Kind: model.MediaKind(req.Attachment.Kind),
			Ext:  intsync.ExtFromName(req.Attachment.Name),
		}
	}
	m, err := v.Compose(r.Context(), req.Text, att)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toMessage(m, s.state(m.ID)))
}

// Retry handles POST /v1/conversations/{id}/messages/{mid}/retry.
func (s *MessageService) Retry(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := v.Retry(r.Context(), chi.URLParam(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Discard handles DELETE /v1/conversations/{id}/messages/{mid}.
func (s *MessageService) Discard(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := v.Discard(r.Context(), chi.URLParam(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseView handles DELETE /v1/conversations/{id}/view. Closing a
// conversation that is not open is not an error.
func (s *MessageService) CloseView(w http.ResponseWriter, r *http.Request) {
	s.engine.Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /v1/search?q=&conversation=&limit=.
func (s *MessageService) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	results, err := s.searcher.SearchMessages(r.Context(), q.Get("q"), q.Get("conversation"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]SearchResult, 0, len(results))
	for _, res := range results {
		out = append(out, toSearchResult(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *MessageService) state(id string) attachment.State {
	if s.uploads == nil {
		return nil
	}
	return s.uploads.State(id)
}

func (s *MessageService) toMessages(msgs []model.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m, s.state(m.ID)))
	}
	return out
}

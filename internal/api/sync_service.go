package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// RetryPass runs one retry pass immediately.
type RetryPass interface {
	Pass(ctx context.Context) int
}

// SyncService triggers retries, pages history and streams bus events.
type SyncService struct {
	engine  Engine
	retrier RetryPass
	bus     *bus.Bus
}

func NewSyncService(engine Engine, retrier RetryPass, b *bus.Bus) *SyncService {
	return &SyncService{engine: engine, retrier: retrier, bus: b}
}

func (s *SyncService) Routes(r chi.Router) {
	r.Post("/sync/retry", s.RetryAll)
	r.Post("/conversations/{id}/earlier", s.LoadEarlier)
	r.Get("/events", s.Events)
}

// RetryAll handles POST /v1/sync/retry.
func (s *SyncService) RetryAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Count{Count: s.retrier.Pass(r.Context())})
}

// LoadEarlier handles POST /v1/conversations/{id}/earlier and returns how
// many older messages were fetched.
func (s *SyncService) LoadEarlier(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := v.LoadEarlier(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{Count: n})
}

// Events handles GET /v1/events?ns=<prefix>, streaming bus events as
// newline-delimited JSON until the client goes away. Events a slow client
// cannot keep up with are dropped.
func (s *SyncService) Events(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.bus.Subscribe(r.URL.Query().Get("ns"), 64)
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(Event{
				ID:      uuid.NewString(),
				Kind:    evt.Kind,
				AtMs:    evt.Timestamp.UnixMilli(),
				Payload: eventPayload(evt.Payload),
			}); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventPayload converts bus payloads into their wire form.
func eventPayload(p any) any {
	switch v := p.(type) {
	case intsync.Changed:
		msgs := make([]Message, 0, len(v.Messages))
		for _, m := range v.Messages {
			msgs = append(msgs, toMessage(m, nil))
		}
		return map[string]any{"conversation_id": v.ConversationID, "messages": msgs}
	case intsync.Received:
		return toMessage(v.Message, nil)
	case model.StatusChange:
		return map[string]string{
			"conversation_id": v.ConversationID,
			"message_id":      v.MessageID,
			"from":            string(v.From),
			"to":              string(v.To),
		}
	case attachment.StateChanged:
		return map[string]any{"message_id": v.MessageID, "upload": toUpload(v.State)}
	case presence.Changed:
		return toPresence(v.View)
	case status.StatusChange:
		return map[string]string{"from": string(v.From), "to": string(v.To)}
	case store.Failure:
		return map[string]string{"op": v.Op, "error": v.Err}
	}
	return p
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/chatsync/internal/status"
)

// Connectivity is the connectivity monitor as seen by the API.
type Connectivity interface {
	Online() bool
	Check(ctx context.Context) bool
}

// Degradable reports whether the local cache is unusable.
type Degradable interface {
	Degraded() bool
}

// SessionService reports daemon state and forces connectivity checks.
type SessionService struct {
	session string
	machine *status.Machine
	conn    Connectivity
	health  Degradable
	engine  Engine
}

func NewSessionService(session string, m *status.Machine, conn Connectivity, health Degradable, engine Engine) *SessionService {
	return &SessionService{session: session, machine: m, conn: conn, health: health, engine: engine}
}

func (s *SessionService) Routes(r chi.Router) {
	r.Get("/status", s.Status)
	r.Post("/connectivity/check", s.Check)
}

// Status handles GET /v1/status.
func (s *SessionService) Status(w http.ResponseWriter, _ *http.Request) {
	out := Status{Session: s.session, Conversations: []string{}}
	if s.machine != nil {
		out.State = string(s.machine.Current())
	}
	if s.conn != nil {
		out.Online = s.conn.Online()
	}
	if s.health != nil {
		out.CacheDegraded = s.health.Degraded()
	}
	if s.engine != nil {
		for _, v := range s.engine.Views() {
			out.Conversations = append(out.Conversations, v.ID())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Check handles POST /v1/connectivity/check: an immediate probe race.
func (s *SessionService) Check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CheckResult{Online: s.conn.Check(r.Context())})
}

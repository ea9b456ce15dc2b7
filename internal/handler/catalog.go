package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/purchase"
	"github.com/dukerupert/valley/internal/store"
)

type CatalogHandler struct {
	catalog *store.CatalogStore
	access  *purchase.Access
	logger  *slog.Logger
}

func NewCatalogHandler(c *store.CatalogStore, a *purchase.Access, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: c, access: a, logger: logger}
}

type childView struct {
	model.ChildSession
	HasAccess bool `json:"hasAccess"`
}

type sessionView struct {
	*model.Session
	Children []childView `json:"child_sessions"`
}

// newSessionView attaches access decisions. Locked children keep their
// listing but lose playable audio links and materials.
func newSessionView(s *model.Session, access map[string]bool) sessionView {
	view := sessionView{Session: s, Children: make([]childView, 0, len(s.Children))}
	for _, c := range s.Children {
		ok := access[c.ID]
		if !ok {
			subs := make([]model.SubSession, len(c.SubSessions))
			copy(subs, c.SubSessions)
			for i := range subs {
				subs[i].AudioURLs = model.AudioURLs{}
				subs[i].Materials = nil
			}
			c.SubSessions = subs
		}
		view.Children = append(view.Children, childView{ChildSession: c, HasAccess: ok})
	}
	return view
}

func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.catalog.ListSessions(r.Context())
	if err != nil {
		writeError(w, h.logger, "list sessions", err)
		return
	}
	email := auth.Email(r.Context())
	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		access, err := h.access.Evaluate(r.Context(), email, &sessions[i])
		if err != nil {
			writeError(w, h.logger, "evaluate access", err)
			return
		}
		views = append(views, newSessionView(&sessions[i], access))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.catalog.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "get session", err)
		return
	}
	if session == nil {
		writeError(w, h.logger, "get session", purchase.ErrNotFound.New("session %q", r.PathValue("id")))
		return
	}
	access, err := h.access.Evaluate(r.Context(), auth.Email(r.Context()), session)
	if err != nil {
		writeError(w, h.logger, "evaluate access", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session, access))
}

func (h *CatalogHandler) Access(w http.ResponseWriter, r *http.Request) {
	ok, err := h.access.HasAccess(r.Context(), auth.Email(r.Context()), r.PathValue("id"), r.PathValue("childId"))
	if err != nil {
		writeError(w, h.logger, "check access", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hasAccess": ok})
}

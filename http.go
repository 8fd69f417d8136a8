package pwkeeper

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pwkeeper/internal/recovery"
)

// Router returns the HTTP surface. Same operations as the MCP tools, for
// direct callers and health probing.
func (k *Keeper) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := k.Health()
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		id, err := k.CreateSession(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		list, err := k.ListSessions(r.Context(), r.URL.Query().Get("state"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Post("/sessions/{sessionID}/resume", func(w http.ResponseWriter, r *http.Request) {
		res, err := k.ResumeSession(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Delete("/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		if err := k.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	})

	r.Post("/proxy", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string         `json:"session_id"`
			Tool      string         `json:"tool"`
			Params    map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := k.Forward(r.Context(), req.SessionID, req.Tool, req.Params)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/content/{refID}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := ContentOptions{
			Search:      q.Get("search"),
			ResetCursor: q.Get("reset_cursor") == "true",
		}
		opts.BeforeLines, _ = strconv.Atoi(q.Get("before_lines"))
		opts.AfterLines, _ = strconv.Atoi(q.Get("after_lines"))

		content, err := k.ReadContent(r.Context(), chi.URLParam(r, "refID"), opts)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"content":   content,
			"unchanged": content == "",
		})
	})

	r.Get("/console/{refID}", func(w http.ResponseWriter, r *http.Request) {
		entries, err := k.ReadConsole(r.Context(), chi.URLParam(r, "refID"), r.URL.Query().Get("level"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRefNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrNoContent),
		errors.Is(err, recovery.ErrRehydrationInProgress), errors.Is(err, recovery.ErrNotRecoverable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

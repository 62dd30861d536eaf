package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cashback-engine/internal/bridge"
	"cashback-engine/internal/engine"
)

type TabHandler struct {
	Eng *engine.Engine
	Hub *bridge.Hub
}

func NewTabHandler(eng *engine.Engine, hub *bridge.Hub) *TabHandler {
	return &TabHandler{Eng: eng, Hub: hub}
}

type navigationRequest struct {
	URL     string       `json:"url"`
	Phase   engine.Phase `json:"phase"`
	FrameID int          `json:"frame_id"`
}

type outcomeResponse struct {
	Action engine.Action      `json:"action"`
	Reason engine.BlockReason `json:"reason,omitempty"`
	Host   string             `json:"host,omitempty"`
	Deal   *engine.Deal       `json:"deal,omitempty"`
}

type activationResponse struct {
	Domain        string     `json:"domain"`
	Active        bool       `json:"active"`
	ClickID       string     `json:"clickId,omitempty"`
	At            *time.Time `json:"at,omitempty"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func tabParam(r *http.Request) (engine.TabID, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "tab"))
	if err != nil {
		return 0, false
	}
	return engine.TabID(n), true
}

// detached keeps orchestration running if the extension drops the request.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func toResponse(o engine.Outcome) outcomeResponse {
	return outcomeResponse{Action: o.Action, Reason: o.Reason, Host: o.Host, Deal: o.Deal}
}

func (h *TabHandler) Navigation(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	switch req.Phase {
	case "", engine.PhaseCommit, engine.PhaseContentReady, engine.PhaseLoad, engine.PhaseVisible:
	default:
		writeError(w, http.StatusBadRequest, "unknown phase")
		return
	}

	h.Hub.Touch(tab)
	o := h.Eng.HandleNavigation(detached(r), engine.NavigationEvent{
		Tab:     tab,
		URL:     req.URL,
		Phase:   req.Phase,
		FrameID: req.FrameID,
	})
	writeJSON(w, http.StatusOK, toResponse(o))
}

func (h *TabHandler) Activate(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	o := h.Eng.Activate(detached(r), tab)
	if o.Action == engine.ActionIgnored {
		writeError(w, http.StatusNotFound, "no offer for tab")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

func (h *TabHandler) CompleteCountdown(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": h.Eng.CompleteCountdown(detached(r), tab)})
}

func (h *TabHandler) CancelCountdown(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": h.Eng.CancelCountdown(r.Context(), tab)})
}

func (h *TabHandler) Closed(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	h.Eng.TabClosed(r.Context(), tab)
	h.Hub.CloseTab(tab)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TabHandler) Messages(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	msgs := h.Hub.Drain(tab)
	if len(msgs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	out := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *TabHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	h.Hub.ServeWS(w, r, tab)
}

func (h *TabHandler) Activation(w http.ResponseWriter, r *http.Request) {
	domain := engine.CleanHost(chi.URLParam(r, "domain"))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	st := h.Eng.IsActive(domain)
	resp := activationResponse{Domain: domain, Active: st.Active, ClickID: st.ClickID}
	if st.Active {
		resp.At = &st.At
	}
	if until := h.Eng.CooldownUntil(domain); until.After(time.Now()) {
		resp.CooldownUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TabHandler) GetPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Eng.Preferences())
}

func (h *TabHandler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	p := h.Eng.Preferences()
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	h.Eng.SetPreferences(p)
	writeJSON(w, http.StatusOK, p)
}

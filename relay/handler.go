package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"georelay.dev/logger"
)

// Handler is the relay's HTTP surface.
type Handler struct {
	relay  *Relay
	origin string
}

func NewHandler(r *Relay, origin string) *Handler {
	return &Handler{relay: r, origin: origin}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.cors)
	r.Post("/coords", h.PostCoords)
	r.Get("/ws/{session}", h.Subscribe)
	r.Get("/sessions", h.GetSessions)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// PostCoords ingests a publisher update. Fire and forget from the
// publisher's point of view; the body of the response carries no state.
func (h *Handler) PostCoords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		SessionID string  `json:"sessionId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid body"})
		return
	}

	if len(body.SessionID) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing sessionId"})
		return
	}

	h.relay.Publish(NewUpdate(body.SessionID, body.Lat, body.Lng))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Subscribe opens the persistent channel for one session.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	if len(session) == 0 {
		http.Error(w, "Missing session", http.StatusBadRequest)
		return
	}

	sub := h.relay.Subscribe(session)
	logger.Logger.Info("subscriber connected",
		zap.String("session", session), zap.String("id", sub.ID))

	ServeSocket(w, r, h.relay, sub)

	logger.Logger.Info("subscriber disconnected",
		zap.String("session", session), zap.String("id", sub.ID))
}

// GetSessions lists subscriber counts per active session.
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Sessions())
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := h.origin
		if len(origin) == 0 {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

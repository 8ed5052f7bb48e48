package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

type HealthResponse struct {
	Status        string         `json:"status"`
	Authenticated bool           `json:"authenticated"`
	UserId        string         `json:"user_id,omitempty"`
	PushOpen      bool           `json:"push_open"`
	Threads       int            `json:"threads"`
	Unread        int            `json:"unread"`
	Archive       string         `json:"archive,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// healthz reports the session state. It answers 503 only when the archive is
// configured and unreachable; a closed push channel recovers on its own.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if s.probes.Identity != nil {
		if user, ok := s.probes.Identity.CurrentUser(); ok {
			resp.Authenticated = true
			resp.UserId = user.Id
		}
	}
	if s.probes.Push != nil {
		resp.PushOpen = s.probes.Push.IsOpen()
	}
	if s.probes.Chat != nil {
		resp.Threads = len(s.probes.Chat.Threads())
		resp.Unread = s.probes.Chat.TotalUnread()
	}
	if s.probes.Archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.probes.Archive.Ping(ctx); err != nil {
			s.log.Printf("archive ping: %v", err)
			resp.Archive = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Archive = "ok"
		}
	}
	if s.probes.Stats != nil {
		resp.Metrics = s.probes.Stats.Snapshot()
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJson(w, status, resp)
}

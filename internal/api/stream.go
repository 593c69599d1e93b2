package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
)

// CreateSessionRequest is the body of POST /replay.
type CreateSessionRequest struct {
	Assets    []string         `json:"assets"`
	Analytics []AnalyticConfig `json:"analytics"`
	StartDate string           `json:"start_date"`
	EndDate   string           `json:"end_date"`
}

// SessionResponse is returned on session creation.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Assets    []string      `json:"assets"`
	Analytics []string      `json:"analytics"`
	StartDate string        `json:"start_date"`
	EndDate   string        `json:"end_date"`
	StreamURL string        `json:"stream_url"`
}

// SessionStatusResponse is returned by GET /replay/{id}.
type SessionStatusResponse struct {
	SessionID   string        `json:"session_id"`
	Status      SessionStatus `json:"status"`
	Assets      []string      `json:"assets"`
	Analytics   []string      `json:"analytics"`
	StartDate   string        `json:"start_date"`
	EndDate     string        `json:"end_date"`
	CurrentDate *string       `json:"current_date"`
	Progress    float64       `json:"progress"`
	CreatedAt   string        `json:"created_at"`
	StartedAt   *string       `json:"started_at"`
	StreamURL   string        `json:"stream_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, invalidParameter("invalid request body: "+err.Error()))
		return
	}
	if len(request.Assets) == 0 {
		writeError(w, invalidParameter("at least one asset is required"))
		return
	}

	start, err := time.Parse("2006-01-02", request.StartDate)
	if err != nil {
		writeError(w, invalidDateRange("invalid start date: "+request.StartDate))
		return
	}
	end, err := time.Parse("2006-01-02", request.EndDate)
	if err != nil {
		writeError(w, invalidDateRange("invalid end date: "+request.EndDate))
		return
	}
	dateRange := timeseries.NewDateRange(start, end)
	if !dateRange.Valid() {
		writeError(w, invalidDateRange("start date must not be after end date"))
		return
	}

	keys := make([]asset.Key, 0, len(request.Assets))
	for _, raw := range request.Assets {
		key, err := parseAssetKey(raw)
		if err != nil {
			writeError(w, invalidParameter("invalid asset "+raw+": "+err.Error()))
			return
		}
		keys = append(keys, key)
	}

	session, apiErr := s.sessions.Create(keys, request.Analytics, dateRange)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	analyticTypes := make([]string, 0, len(request.Analytics))
	for _, cfg := range request.Analytics {
		analyticTypes = append(analyticTypes, cfg.Type)
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID: session.ID.String(),
		Status:    SessionCreated,
		Assets:    request.Assets,
		Analytics: analyticTypes,
		StartDate: request.StartDate,
		EndDate:   request.EndDate,
		StreamURL: "/stream/" + session.ID.String(),
	})
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	raw := mux.Vars(r)["session_id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, invalidParameter("invalid session ID"))
		return nil, false
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, sessionNotFound(raw))
		return nil, false
	}
	return session, true
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	status, startedAt, currentDate, progress, createdAt := session.Status()

	assets := make([]string, 0, len(session.Assets))
	for _, key := range session.Assets {
		assets = append(assets, key.String())
	}
	analyticTypes := make([]string, 0, len(session.Analytics))
	for _, cfg := range session.Analytics {
		analyticTypes = append(analyticTypes, cfg.Type)
	}

	response := SessionStatusResponse{
		SessionID: session.ID.String(),
		Status:    status,
		Assets:    assets,
		Analytics: analyticTypes,
		StartDate: session.Range.Start.Format("2006-01-02"),
		EndDate:   session.Range.End.Format("2006-01-02"),
		Progress:  progress,
		CreatedAt: createdAt.Format(time.RFC3339),
		StreamURL: "/stream/" + session.ID.String(),
	}
	if currentDate != nil {
		current := currentDate.Format("2006-01-02")
		response.CurrentDate = &current
	}
	if startedAt != nil {
		started := startedAt.Format(time.RFC3339)
		response.StartedAt = &started
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	if apiErr := s.sessions.Stop(session.ID); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID.String(),
		"status":     "stopped",
		"message":    "Replay session stopped",
	})
}

// handleStream serves a session's event stream over Server-Sent Events.
// The first event is "connected"; data, analytic, and progress events
// follow as the replay advances.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, internalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	events, unsubscribe := session.subscribe(s.config.Replay.StreamBuffer)
	defer unsubscribe()

	writeSSE(w, "connected", map[string]string{
		"session_id": session.ID.String(),
		"message":    "Connected to replay stream",
	})
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			writeSSE(w, event.Event, event.Data)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebsocket serves the same session events over a websocket, for
// clients that prefer a bidirectional transport.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "Websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	events, unsubscribe := session.subscribe(s.config.Replay.StreamBuffer)
	defer unsubscribe()

	if err := conn.WriteJSON(StreamEvent{
		Event: "connected",
		Data: map[string]string{
			"session_id": session.ID.String(),
			"message":    "Connected to replay stream",
		},
	}); err != nil {
		return
	}

	// Drain client messages so control frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

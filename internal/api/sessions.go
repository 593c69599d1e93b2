package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/market-analytics-engine/internal/analytics"
	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/push"
	"github.com/market-analytics-engine/internal/replay"
	"github.com/market-analytics-engine/internal/storage"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

// SessionStatus is the lifecycle state of a replay session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionStopped   SessionStatus = "stopped"
	SessionError     SessionStatus = "error"
)

// AnalyticConfig is one analytic requested for a replay session.
type AnalyticConfig struct {
	Type       string            `json:"type"`
	Parameters map[string]string `json:"parameters"`
}

// StreamEvent is one event pushed to session subscribers (SSE or websocket).
type StreamEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Session is one replay session: a push engine fed by the replay driver,
// broadcasting to stream subscribers.
type Session struct {
	ID        uuid.UUID
	Assets    []asset.Key
	Analytics []AnalyticConfig
	Range     timeseries.DateRange

	mu          sync.Mutex
	status      SessionStatus
	createdAt   time.Time
	startedAt   *time.Time
	currentDate *time.Time
	progress    float64
	cancel      context.CancelFunc
	subscribers map[int]chan StreamEvent
	nextSubID   int
}

// Status returns a consistent snapshot of the session's mutable state.
func (s *Session) Status() (SessionStatus, *time.Time, *time.Time, float64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.startedAt, s.currentDate, s.progress, s.createdAt
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// subscribe registers a stream subscriber and returns its channel plus an
// unsubscribe function.
func (s *Session) subscribe(buffer int) (<-chan StreamEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan StreamEvent, buffer)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

// broadcast fans an event out to all subscribers, dropping it for slow ones.
func (s *Session) broadcast(event StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// SessionManager owns the active replay sessions and enforces the
// concurrent-session limit.
type SessionManager struct {
	cfg     config.ReplayConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	store   *storage.SqliteProvider

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg config.ReplayConfig, logger *observability.Logger, metrics *observability.Metrics, store *storage.SqliteProvider) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Get returns a session by ID.
func (m *SessionManager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Create registers a new session and starts its replay goroutine.
func (m *SessionManager) Create(assets []asset.Key, configs []AnalyticConfig, dateRange timeseries.DateRange) (*Session, *APIError) {
	m.mu.Lock()
	active := 0
	for _, existing := range m.sessions {
		if status, _, _, _, _ := existing.Status(); status == SessionCreated || status == SessionRunning {
			active++
		}
	}
	if active >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, sessionLimitReached()
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		ID:          uuid.New(),
		Assets:      assets,
		Analytics:   configs,
		Range:       dateRange,
		status:      SessionCreated,
		createdAt:   time.Now().UTC(),
		cancel:      cancel,
		subscribers: make(map[int]chan StreamEvent),
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.metrics.ReplaySessions.Inc()
	go m.run(ctx, session)

	return session, nil
}

// Stop cancels a running session.
func (m *SessionManager) Stop(id uuid.UUID) *APIError {
	session, ok := m.Get(id)
	if !ok {
		return sessionNotFound(id.String())
	}

	session.mu.Lock()
	status := session.status
	if status == SessionCompleted || status == SessionStopped {
		session.mu.Unlock()
		return invalidParameter("session already " + string(status))
	}
	session.status = SessionStopped
	session.mu.Unlock()

	session.cancel()
	return nil
}

// run executes the session: it assembles a DAG for the requested analytics,
// warms a push engine, then drives it from the replay engine while
// broadcasting stream events.
func (m *SessionManager) run(ctx context.Context, session *Session) {
	defer m.metrics.ReplaySessions.Dec()
	defer session.closeSubscribers()

	graph, targets, err := m.buildSessionDAG(session)
	if err != nil {
		m.logger.Error(ctx, "Failed to build session DAG", err, map[string]interface{}{
			"session_id": session.ID.String(),
		})
		session.setStatus(SessionError)
		return
	}

	engine := push.NewEngine(graph, m.logger)
	warmupEnd := session.Range.Start.AddDate(0, 0, -1)
	if err := engine.Initialize(m.store, warmupEnd, engine.RequiredLookbackDays()); err != nil {
		m.logger.Error(ctx, "Failed to initialize push engine", err, map[string]interface{}{
			"session_id": session.ID.String(),
		})
		session.setStatus(SessionError)
		return
	}

	for nodeID, target := range targets {
		target := target
		engine.RegisterCallback(nodeID, func(_ dag.NodeID, output dag.NodeOutput, timestamp *time.Time) {
			if output.Kind != dag.OutputScalar || timestamp == nil {
				return
			}
			session.broadcast(StreamEvent{
				Event: "analytic",
				Data: map[string]interface{}{
					"asset":     target.asset.String(),
					"analytic":  target.analytic,
					"timestamp": timestamp.Format(time.RFC3339),
					"value":     jsonValue(output.Scalar),
				},
			})
		})
	}

	replayEngine := replay.NewEngine(m.store, m.logger)
	if err := replayEngine.SetDelay(m.cfg.DefaultDelay); err != nil {
		session.setStatus(SessionError)
		return
	}

	totalDays := session.Range.End.Sub(session.Range.Start).Hours() / 24
	replayEngine.SetProgressCallback(func(timestamp time.Time) {
		session.mu.Lock()
		ts := timestamp
		session.currentDate = &ts
		if totalDays > 0 {
			session.progress = timestamp.Sub(session.Range.Start).Hours() / 24 / totalDays
			if session.progress > 1 {
				session.progress = 1
			}
		} else {
			session.progress = 1
		}
		progress := session.progress
		session.mu.Unlock()

		session.broadcast(StreamEvent{
			Event: "progress",
			Data: map[string]interface{}{
				"timestamp": timestamp.Format(time.RFC3339),
				"progress":  progress,
			},
		})
	})

	now := time.Now().UTC()
	session.mu.Lock()
	session.status = SessionRunning
	session.startedAt = &now
	session.mu.Unlock()

	result, err := replayEngine.Run(ctx, session.Assets, session.Range, func(key asset.Key, timestamp time.Time, value float64) error {
		if err := engine.Push(key, timestamp, value); err != nil {
			m.metrics.PushPointsTotal.WithLabelValues("failed").Inc()
			return err
		}
		m.metrics.PushPointsTotal.WithLabelValues("ok").Inc()

		session.broadcast(StreamEvent{
			Event: "data",
			Data: map[string]interface{}{
				"asset":     key.String(),
				"timestamp": timestamp.Format(time.RFC3339),
				"value":     value,
			},
		})
		return nil
	})

	if err != nil {
		m.logger.Error(ctx, "Replay session failed", err, map[string]interface{}{
			"session_id": session.ID.String(),
		})
		session.setStatus(SessionError)
		return
	}

	session.mu.Lock()
	if session.status != SessionStopped {
		session.status = SessionCompleted
		session.progress = 1
	}
	session.mu.Unlock()

	m.logger.Info(ctx, "Replay session finished", map[string]interface{}{
		"session_id": session.ID.String(),
		"successful": result.Successful,
		"failed":     result.Failed,
	})
}

type sessionTarget struct {
	asset    asset.Key
	analytic string
}

// buildSessionDAG resolves one node per (asset, analytic) pair via the
// registry, sharing dependencies through NodeKey deduplication.
func (m *SessionManager) buildSessionDAG(session *Session) (*dag.DAG, map[dag.NodeID]sessionTarget, error) {
	graph := dag.New(analytics.NewRegistry())
	targets := make(map[dag.NodeID]sessionTarget)

	for _, key := range session.Assets {
		for _, cfg := range session.Analytics {
			analyticType := dag.ParseAnalyticType(cfg.Type)
			nodeRange := session.Range

			nodeKey := dag.NodeKey{
				Analytic: analyticType,
				Assets:   []asset.Key{key},
				Range:    &nodeRange,
				Params:   cfg.Parameters,
			}
			if raw, ok := cfg.Parameters["window_size"]; ok && raw != "" {
				if size, err := strconv.Atoi(raw); err == nil && size > 0 {
					window := dag.FixedWindowSpec(size)
					nodeKey.Window = &window
				}
			}

			nodeID, err := graph.Resolve(nodeKey)
			if err != nil {
				return nil, nil, err
			}
			targets[nodeID] = sessionTarget{asset: key, analytic: cfg.Type}
		}
	}

	return graph, targets, nil
}

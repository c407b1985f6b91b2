package chess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/atrest"
)

// Session limits, per agent and process-wide.
const (
	maxSessionsPerAgent = 10
	maxTotalSessions    = 1000
)

// ErrSessionNotFound reports an unknown or already ended game session.
var ErrSessionNotFound = errors.New("session not found")

// GameOptions parameterize a new game session. Zero values take the
// defaults: white, difficulty 5.
type GameOptions struct {
	AgentID    string
	Opponent   string
	Color      string
	Difficulty int
}

// Manager owns the live game sessions. Every state change is mirrored into
// the at-rest layer: a snapshot after the opening and after each exchange,
// and a training record when a game ends. Ending a session scrubs its
// persisted state.
type Manager struct {
	rest   *atrest.Service
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*GameSession
	byAgent  map[string]map[string]struct{}

	// seed feeds engine construction; tests pin it for determinism.
	seed func() int64
}

func NewManager(rest *atrest.Service, logger *zap.Logger) *Manager {
	return &Manager{
		rest:     rest,
		logger:   logger.Named("chess"),
		sessions: make(map[string]*GameSession),
		byAgent:  make(map[string]map[string]struct{}),
	}
}

// Create starts a game session for an agent. When the agent takes black the
// engine plays white's opening move before the session is handed out.
func (m *Manager) Create(ctx context.Context, opts GameOptions) (*GameSession, error) {
	if opts.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	color := opts.Color
	switch color {
	case "":
		color = "white"
	case "white", "black":
	default:
		return nil, fmt.Errorf("player color %q: want white or black", opts.Color)
	}
	difficulty := opts.Difficulty
	if difficulty == 0 {
		difficulty = 5
	}

	var engine Engine
	var err error
	if m.seed != nil {
		engine, err = newEngineSeeded(opts.Opponent, difficulty, m.seed())
	} else {
		engine, err = NewEngine(opts.Opponent, difficulty)
	}
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("chess-session-%s-%s", opts.AgentID, uuid.NewString()[:8])
	session := newGameSession(id, opts.AgentID, color, difficulty, engine, m.logger)

	m.mu.Lock()
	if len(m.sessions) >= maxTotalSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum total sessions reached: %d", maxTotalSessions)
	}
	if len(m.byAgent[opts.AgentID]) >= maxSessionsPerAgent {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum sessions per agent reached: %d", maxSessionsPerAgent)
	}
	m.sessions[id] = session
	if m.byAgent[opts.AgentID] == nil {
		m.byAgent[opts.AgentID] = make(map[string]struct{})
	}
	m.byAgent[opts.AgentID][id] = struct{}{}
	m.mu.Unlock()

	if _, err := session.OpeningMove(ctx); err != nil {
		m.drop(id)
		return nil, err
	}
	m.persist(ctx, session)

	m.logger.Info("created game session",
		zap.String("game_session_id", id),
		zap.String("agent_id", opts.AgentID),
		zap.String("opponent", engine.Name()),
		zap.String("color", color))
	return session, nil
}

// Get returns a live session or ErrSessionNotFound.
func (m *Manager) Get(sessionID string) (*GameSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// ApplyMove plays one exchange on a session and mirrors the new state to
// the at-rest layer. When the exchange ends the game, the session's
// training record is captured as well.
func (m *Manager) ApplyMove(ctx context.Context, sessionID, uci string) (*MoveResult, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	result, err := session.MakeMove(ctx, uci)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return result, nil
	}

	m.persist(ctx, session)
	if result.Status != StatusActive {
		m.recordOutcome(ctx, session, result.Status)
	}
	return result, nil
}

// State snapshots a live session.
func (m *Manager) State(sessionID string) (GameState, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return GameState{}, err
	}
	return session.Snapshot(), nil
}

// AgentSessions lists the live sessions owned by an agent.
func (m *Manager) AgentSessions(agentID string) []*GameSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*GameSession, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		if session, ok := m.sessions[id]; ok {
			out = append(out, session)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// End drops a session and scrubs its persisted state and keys. The scrub
// error surfaces to the caller; the session is gone from the registry
// either way.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.drop(sessionID)
	m.logger.Info("ended game session",
		zap.String("game_session_id", sessionID),
		zap.String("agent_id", session.AgentID()))
	return m.rest.EndSession(ctx, sessionID)
}

// Shutdown ends every live session, returning the first scrub failure.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.End(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// drop removes a session from both registries.
func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	agentIDs := m.byAgent[session.AgentID()]
	delete(agentIDs, sessionID)
	if len(agentIDs) == 0 {
		delete(m.byAgent, session.AgentID())
	}
}

// persist mirrors the session snapshot into the at-rest layer. Persistence
// failures keep the in-memory session playable and are logged, not fatal.
func (m *Manager) persist(ctx context.Context, session *GameSession) {
	state := session.Snapshot()
	if err := m.rest.SaveSessionState(ctx, session.ID(), state); err != nil {
		m.logger.Error("persisting session state failed",
			zap.String("game_session_id", session.ID()),
			zap.Error(err))
	}
}

// recordOutcome captures the finished game for the learning pipeline.
func (m *Manager) recordOutcome(ctx context.Context, session *GameSession, status string) {
	state := session.Snapshot()
	agentWon := (status == StatusWhiteWins && session.PlayerColor() == "white") ||
		(status == StatusBlackWins && session.PlayerColor() == "black")

	rec := &atrest.TrainingRecord{
		SessionID:   session.ID(),
		MoveHistory: state.MoveHistory,
		GameResult:  agentWon,
	}
	if err := m.rest.SaveTrainingRecord(ctx, rec); err != nil {
		m.logger.Error("persisting training record failed",
			zap.String("game_session_id", session.ID()),
			zap.Error(err))
		return
	}
	m.logger.Info("game finished",
		zap.String("game_session_id", session.ID()),
		zap.String("status", status),
		zap.Bool("agent_won", agentWon),
		zap.Int("moves_played", state.MovesPlayed))
}

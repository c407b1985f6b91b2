package chess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrGameOver rejects moves submitted after a king has been captured.
var ErrGameOver = errors.New("game already over")

// MoveResult is the outcome of one agent move and the engine's reply.
// Valid=false carries the pseudo-legal moves the agent could have played
// instead; Valid=true carries the position after both halves of the
// exchange.
type MoveResult struct {
	Valid        bool
	Move         string
	AIMove       string
	FEN          string
	Status       string
	ThinkingTime time.Duration
	LegalMoves   []string
}

// GameState is a point-in-time snapshot of a session. It is what the board
// tools report and what the at-rest layer persists between moves.
type GameState struct {
	SessionID     string    `json:"sessionId"`
	AgentID       string    `json:"agentId"`
	AIOpponent    string    `json:"aiOpponent"`
	PlayerColor   string    `json:"playerColor"`
	Difficulty    int       `json:"difficulty"`
	FEN           string    `json:"fen"`
	MoveHistory   []string  `json:"moveHistory"`
	CurrentTurn   string    `json:"currentTurn"`
	Status        string    `json:"status"`
	MovesPlayed   int       `json:"movesPlayed"`
	AvgThinkingMs float64   `json:"avgThinkingMs"`
	LastActivity  time.Time `json:"lastActivity"`
}

// GameSession is one agent's game against an engine. All methods serialize
// on the session mutex, so a session can be shared across tool calls.
type GameSession struct {
	id          string
	agentID     string
	opponent    string
	playerColor string
	difficulty  int
	engine      Engine
	logger      *zap.Logger

	mu            sync.Mutex
	board         *Board
	createdAt     time.Time
	lastActivity  time.Time
	movesPlayed   int
	thinkingTotal time.Duration
	thinkingCount int
}

func newGameSession(id, agentID, playerColor string, difficulty int, engine Engine, logger *zap.Logger) *GameSession {
	now := time.Now()
	return &GameSession{
		id:           id,
		agentID:      agentID,
		opponent:     engine.Name(),
		playerColor:  playerColor,
		difficulty:   difficulty,
		engine:       engine,
		logger:       logger.With(zap.String("game_session_id", id)),
		board:        NewBoard(),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *GameSession) ID() string          { return s.id }
func (s *GameSession) AgentID() string     { return s.agentID }
func (s *GameSession) Opponent() string    { return s.opponent }
func (s *GameSession) PlayerColor() string { return s.playerColor }
func (s *GameSession) Difficulty() int     { return s.difficulty }
func (s *GameSession) CreatedAt() time.Time {
	return s.createdAt
}

// MakeMove applies the agent's UCI move and, when the game continues, asks
// the engine for its reply. A malformed or unplayable move comes back as
// an invalid MoveResult listing the playable alternatives; errors are
// reserved for finished games and engine failures.
func (s *GameSession) MakeMove(ctx context.Context, uci string) (*MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.board.GameOver() {
		return nil, fmt.Errorf("%w: %s", ErrGameOver, s.board.Status())
	}
	s.logger.Debug("agent move", zap.String("move", uci))

	if err := s.board.Apply(uci); err != nil {
		return &MoveResult{Move: uci, LegalMoves: s.board.LegalMoves()}, nil
	}
	s.movesPlayed++
	s.lastActivity = time.Now()

	if s.board.GameOver() {
		return &MoveResult{
			Valid:  true,
			Move:   uci,
			FEN:    s.board.FEN(),
			Status: s.board.Status(),
		}, nil
	}

	aiMove, thinking, err := s.engineMove(ctx)
	if err != nil {
		return nil, err
	}
	return &MoveResult{
		Valid:        true,
		Move:         uci,
		AIMove:       aiMove,
		FEN:          s.board.FEN(),
		Status:       s.board.Status(),
		ThinkingTime: thinking,
	}, nil
}

// OpeningMove has the engine play white's first move. It is a no-op unless
// the agent took black and the game has not started.
func (s *GameSession) OpeningMove(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playerColor != "black" || s.movesPlayed > 0 {
		return "", nil
	}
	aiMove, _, err := s.engineMove(ctx)
	if err != nil {
		return "", err
	}
	s.logger.Info("engine opening move", zap.String("move", aiMove))
	return aiMove, nil
}

// engineMove asks the engine for a move and applies it. Callers hold the
// session mutex. A position with no engine moves leaves the board as is.
func (s *GameSession) engineMove(ctx context.Context) (string, time.Duration, error) {
	start := time.Now()
	aiMove, err := s.engine.SelectMove(ctx, s.board)
	thinking := time.Since(start)
	if errors.Is(err, ErrNoMoves) {
		return "", thinking, nil
	}
	if err != nil {
		return "", thinking, fmt.Errorf("engine %s: %w", s.engine.Name(), err)
	}
	if err := s.board.Apply(aiMove); err != nil {
		return "", thinking, fmt.Errorf("engine %s chose unplayable move %s: %w", s.engine.Name(), aiMove, err)
	}
	s.movesPlayed++
	s.lastActivity = time.Now()
	s.thinkingTotal += thinking
	s.thinkingCount++
	return aiMove, thinking, nil
}

// LegalMoves lists the pseudo-legal moves for the side to move.
func (s *GameSession) LegalMoves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.LegalMoves()
}

// Analyze suggests a move for the side to move and scores the position as
// material balance in pawns from white's perspective. The board is left
// untouched.
func (s *GameSession) Analyze(ctx context.Context) (bestMove string, eval float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestMove, err = s.engine.SelectMove(ctx, s.board)
	if errors.Is(err, ErrNoMoves) {
		bestMove, err = "", nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("engine %s: %w", s.engine.Name(), err)
	}
	return bestMove, materialBalance(s.board), nil
}

// Snapshot captures the session state for reporting and persistence.
func (s *GameSession) Snapshot() GameState {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if s.thinkingCount > 0 {
		avg = float64(s.thinkingTotal.Milliseconds()) / float64(s.thinkingCount)
	}
	return GameState{
		SessionID:     s.id,
		AgentID:       s.agentID,
		AIOpponent:    s.opponent,
		PlayerColor:   s.playerColor,
		Difficulty:    s.difficulty,
		FEN:           s.board.FEN(),
		MoveHistory:   s.board.History(),
		CurrentTurn:   s.board.Turn(),
		Status:        s.board.Status(),
		MovesPlayed:   s.movesPlayed,
		AvgThinkingMs: avg,
		LastActivity:  s.lastActivity,
	}
}

// materialBalance sums piece values, white minus black. Kings count like
// any other piece so a decisive capture dominates the score.
func materialBalance(b *Board) float64 {
	total := 0
	for _, p := range b.squares {
		if p == 0 {
			continue
		}
		if isWhitePiece(p) {
			total += pieceValue(p)
		} else {
			total -= pieceValue(p)
		}
	}
	return float64(total)
}

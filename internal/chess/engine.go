package chess

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrNoMoves reports that the side to move has no pseudo-legal moves.
var ErrNoMoves = errors.New("no legal moves")

// Engine selects a reply move for the side to move. Implementations are
// interchangeable strategies behind this one contract; a session owns its
// engine and serializes calls to it.
type Engine interface {
	Name() string
	SelectMove(ctx context.Context, board *Board) (string, error)
}

// opponents is the roster of engine names agents may request. Every name
// resolves to the material strategy below; the platform's heavyweight
// engines live behind the same contract on the other side of the seam.
var opponents = []string{
	"AlphaZero", "LeelaChessZero", "AlphaFold3", "A3C", "MCTS",
	"Negamax", "OpenAI", "QLearning", "DeepLearning", "CNN", "DQN", "Genetic",
}

// Opponents returns the engine names accepted by NewEngine.
func Opponents() []string {
	out := make([]string, len(opponents))
	copy(out, opponents)
	return out
}

// NewEngine resolves an opponent name to an engine. Difficulty is clamped
// to [1,10]; higher values make the engine prefer the most valuable
// capture available, lower values make it play closer to random.
func NewEngine(name string, difficulty int) (Engine, error) {
	return newEngineSeeded(name, difficulty, time.Now().UnixNano())
}

func newEngineSeeded(name string, difficulty int, seed int64) (Engine, error) {
	known := false
	for _, n := range opponents {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown ai opponent: %s", name)
	}
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}
	return &materialEngine{
		name:       name,
		difficulty: difficulty,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// materialEngine plays the highest-value capture with probability scaled by
// difficulty and a uniformly random move otherwise. It is the trivial demo
// strategy every roster name maps onto.
type materialEngine struct {
	name       string
	difficulty int
	rng        *rand.Rand
}

var _ Engine = (*materialEngine)(nil)

func (e *materialEngine) Name() string { return e.name }

func (e *materialEngine) SelectMove(ctx context.Context, board *Board) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	moves := board.LegalMoves()
	if len(moves) == 0 {
		return "", ErrNoMoves
	}

	if e.rng.Intn(10) < e.difficulty {
		if best := bestCapture(board, moves); best != "" {
			return best, nil
		}
	}
	return moves[e.rng.Intn(len(moves))], nil
}

// bestCapture returns the move taking the most valuable piece, or "" when
// no capture is available.
func bestCapture(board *Board, moves []string) string {
	best, bestValue := "", 0
	for _, uci := range moves {
		mv, err := parseMove(uci)
		if err != nil {
			continue
		}
		if v := pieceValue(board.squares[mv.to]); v > bestValue {
			best, bestValue = uci, v
		}
	}
	return best
}

func pieceValue(p byte) int {
	switch toUpper(p) {
	case 'P':
		return 1
	case 'N', 'B':
		return 3
	case 'R':
		return 5
	case 'Q':
		return 9
	case 'K':
		return 100
	}
	return 0
}

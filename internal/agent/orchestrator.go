package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/transport"
	"github.com/castlelab/gambit/pkg/errs"
)

// Orchestrator plays whole games by holding two mirrored sessions: one
// where the agent sits on the white side and one on the black side. Each
// session's engine produces the moves for its opposing color, and the
// orchestrator relays them across, so the two server-side boards advance
// through the same game.
type Orchestrator struct {
	mgr       *transport.Manager
	cfg       *config.AgentConfig
	logger    *zap.Logger
	completed int
}

// NewOrchestrator builds the self-play loop around an existing connection
// manager.
func NewOrchestrator(mgr *transport.Manager, cfg *config.AgentConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		mgr:    mgr,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
	}
}

// Completed reports how many games finished or were abandoned at the move
// cap during the last Run.
func (o *Orchestrator) Completed() int { return o.completed }

// Run plays the configured number of games sequentially. Every game gets a
// fresh pair of connections so its server-side sessions are torn down with
// them before the next game starts.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.completed = 0
	o.logger.Info("starting self-play run",
		zap.Int("games", o.cfg.Play.Games),
		zap.String("white_ai", o.cfg.Play.WhiteAI),
		zap.String("black_ai", o.cfg.Play.BlackAI),
		zap.Int("difficulty", o.cfg.Play.Difficulty))

	for game := 1; game <= o.cfg.Play.Games; game++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.playGame(ctx, game); err != nil {
			return fmt.Errorf("game %d: %w", game, err)
		}
		o.completed++
	}

	o.logger.Info("self-play run complete", zap.Int("games", o.completed))
	return nil
}

func (o *Orchestrator) playGame(ctx context.Context, game int) error {
	white, err := o.openProxy(ctx, fmt.Sprintf("white-session-%d", game), "white")
	if err != nil {
		return err
	}
	defer func() { _ = white.Close() }()

	black, err := o.openProxy(ctx, fmt.Sprintf("black-session-%d", game), "black")
	if err != nil {
		return err
	}
	defer func() { _ = black.Close() }()

	// Each engine is the opponent of the session the agent holds, so the
	// white session faces the black engine and vice versa.
	if err := white.NewGame(ctx, o.cfg.Play.BlackAI, o.cfg.Play.Difficulty); err != nil {
		return err
	}
	if err := black.NewGame(ctx, o.cfg.Play.WhiteAI, o.cfg.Play.Difficulty); err != nil {
		return err
	}

	// The black session's engine opened as white; its move starts the relay.
	board, err := black.Board(ctx)
	if err != nil {
		return err
	}
	whiteMove := board.LastMove
	if whiteMove == "" {
		return fmt.Errorf("black session reports no opening move")
	}

	plies := 0
	for plies < o.cfg.Play.MaxMoves {
		whiteOutcome, err := white.Move(ctx, whiteMove)
		if err != nil {
			return err
		}
		plies++
		o.logger.Debug("relayed white move",
			zap.Int("game", game),
			zap.Int("ply", plies),
			zap.String("move", whiteMove),
			zap.String("reply", whiteOutcome.AIMove))
		if whiteOutcome.Status != statusActive || whiteOutcome.AIMove == "" {
			break
		}

		blackOutcome, err := black.Move(ctx, whiteOutcome.AIMove)
		if err != nil {
			return err
		}
		plies++
		o.logger.Debug("relayed black move",
			zap.Int("game", game),
			zap.Int("ply", plies),
			zap.String("move", whiteOutcome.AIMove),
			zap.String("reply", blackOutcome.AIMove))
		if blackOutcome.Status != statusActive || blackOutcome.AIMove == "" {
			break
		}
		whiteMove = blackOutcome.AIMove

		if delay := o.cfg.Play.MoveDelay; delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	status, err := o.finalStatus(ctx, white, black)
	if err != nil {
		return err
	}
	o.logger.Info("game finished",
		zap.Int("game", game),
		zap.String("status", status),
		zap.Int("plies", plies))
	return nil
}

// finalStatus prefers whichever session saw the game end; when both are
// still active the game was abandoned at the move cap.
func (o *Orchestrator) finalStatus(ctx context.Context, white, black *SessionProxy) (string, error) {
	wb, err := white.Board(ctx)
	if err != nil {
		return "", err
	}
	if wb.Over() {
		return wb.Status, nil
	}
	bb, err := black.Board(ctx)
	if err != nil {
		return "", err
	}
	return bb.Status, nil
}

// openProxy opens a connection and wraps it for one side of the board. A
// degraded handshake is logged and played through; the session stays
// encrypted, just keyed by the session id.
func (o *Orchestrator) openProxy(ctx context.Context, sessionID, color string) (*SessionProxy, error) {
	conn, err := o.mgr.Open(ctx, sessionID)
	if err != nil {
		var warn *errs.HandshakeWarning
		if !errors.As(err, &warn) {
			return nil, err
		}
		o.logger.Warn("handshake degraded, encryption keyed by session id",
			zap.String("session_id", warn.SessionID))
	}
	o.logger.Info("session established",
		zap.String("session_id", sessionID),
		zap.String("agent_id", conn.AgentID()),
		zap.String("color", color))
	return NewSessionProxy(conn, color, o.logger), nil
}

// Package agent is the client-side chess runtime: a session proxy that
// drives one game through the chess tools, and an orchestrator that plays
// whole games by mirroring two sessions against each other.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/transport"
	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
)

// statusActive is the wire value the server reports while a game is
// undecided. The proxy speaks the tool payload contract only and does not
// reach into the server's chess internals.
const statusActive = "active"

// MoveOutcome reports one exchange: the move the proxy played and the
// engine's reply, if the game was still open for one.
type MoveOutcome struct {
	Move   string
	AIMove string
	FEN    string
	Status string
}

// BoardSnapshot is the client view of a game's current state.
type BoardSnapshot struct {
	FEN         string
	Status      string
	CurrentTurn string
	LastMove    string
	MovesPlayed int
	MoveHistory []string
}

// Analysis is the engine's view of the current position.
type Analysis struct {
	BestMove   string
	Evaluation float64
	Depth      int
}

// Over reports whether the game reached a terminal status.
func (b *BoardSnapshot) Over() bool { return b.Status != statusActive }

// SessionProxy drives a single game session over an established
// connection. It owns the connection and closes it with the game. A proxy
// is driven by one goroutine; it does not lock.
type SessionProxy struct {
	conn   *transport.Connection
	logger *zap.Logger

	playerColor string
	gameID      string
	active      bool
}

// NewSessionProxy wraps an open connection for games played as playerColor.
func NewSessionProxy(conn *transport.Connection, playerColor string, logger *zap.Logger) *SessionProxy {
	return &SessionProxy{
		conn:        conn,
		playerColor: playerColor,
		logger: logger.Named("proxy").With(
			zap.String("session_id", conn.SessionID()),
			zap.String("player_color", playerColor)),
	}
}

// GameID returns the server-assigned game session id, empty before NewGame.
func (p *SessionProxy) GameID() string { return p.gameID }

// Active reports whether the proxied game is still undecided.
func (p *SessionProxy) Active() bool { return p.active }

// NewGame creates a fresh game against the named engine. Calling it again
// abandons the previous game on the proxy side; the server keeps scoring
// it until the connection closes.
func (p *SessionProxy) NewGame(ctx context.Context, opponent string, difficulty int) error {
	payload, err := p.call(ctx, mcp.ToolCreateChessGame, map[string]any{
		"aiOpponent":  opponent,
		"playerColor": p.playerColor,
		"difficulty":  difficulty,
	})
	if err != nil {
		return err
	}

	gameID := payload.Get("sessionId").String()
	if gameID == "" {
		return errs.NewSerializationError(p.conn.SessionID(),
			fmt.Errorf("create result carries no session id"))
	}
	p.gameID = gameID
	p.active = payload.Get("gameStatus").String() == statusActive

	p.logger.Info("game created",
		zap.String("game_session_id", gameID),
		zap.String("opponent", opponent),
		zap.String("fen", payload.Get("fen").String()))
	return nil
}

// Move plays one UCI move and returns the exchange outcome. A terminal
// status deactivates the proxy.
func (p *SessionProxy) Move(ctx context.Context, uci string) (*MoveOutcome, error) {
	if !p.active {
		return nil, fmt.Errorf("no active game on session %s", p.conn.SessionID())
	}

	payload, err := p.call(ctx, mcp.ToolMakeChessMove, map[string]any{
		"sessionId": p.gameID,
		"move":      uci,
	})
	if err != nil {
		return nil, err
	}

	outcome := &MoveOutcome{
		Move:   payload.Get("lastMove").String(),
		AIMove: payload.Get("aiMove").String(),
		FEN:    payload.Get("fen").String(),
		Status: payload.Get("gameStatus").String(),
	}
	if outcome.Status != statusActive {
		p.active = false
	}

	p.logger.Debug("move exchanged",
		zap.String("move", outcome.Move),
		zap.String("ai_move", outcome.AIMove),
		zap.String("status", outcome.Status))
	return outcome, nil
}

// Board fetches the current state of the proxied game. It works on a
// finished game too; the server keeps the session until the connection
// goes away.
func (p *SessionProxy) Board(ctx context.Context) (*BoardSnapshot, error) {
	if p.gameID == "" {
		return nil, fmt.Errorf("no game on session %s", p.conn.SessionID())
	}

	payload, err := p.call(ctx, mcp.ToolGetBoardState, map[string]any{
		"sessionId": p.gameID,
	})
	if err != nil {
		return nil, err
	}

	snap := &BoardSnapshot{
		FEN:         payload.Get("gameState").String(),
		Status:      payload.Get("gameStatus").String(),
		CurrentTurn: payload.Get("currentTurn").String(),
		MovesPlayed: int(payload.Get("movesPlayed").Int()),
	}
	for _, mv := range payload.Get("moveHistory").Array() {
		snap.MoveHistory = append(snap.MoveHistory, mv.String())
	}
	if n := len(snap.MoveHistory); n > 0 {
		snap.LastMove = snap.MoveHistory[n-1]
	}
	return snap, nil
}

// Analyze asks the engine for its take on the current position.
func (p *SessionProxy) Analyze(ctx context.Context, depth int) (*Analysis, error) {
	if p.gameID == "" {
		return nil, fmt.Errorf("no game on session %s", p.conn.SessionID())
	}

	args := map[string]any{"sessionId": p.gameID}
	if depth > 0 {
		args["depth"] = depth
	}
	payload, err := p.call(ctx, mcp.ToolAnalyzePosition, args)
	if err != nil {
		return nil, err
	}

	return &Analysis{
		BestMove:   payload.Get("bestMove").String(),
		Evaluation: payload.Get("evaluation").Float(),
		Depth:      int(payload.Get("depth").Int()),
	}, nil
}

// Close deactivates the proxy and closes the underlying connection, which
// tears the ratchet session and the server-side games down with it.
func (p *SessionProxy) Close() error {
	p.active = false
	return p.conn.Close()
}

// call runs one tool and returns the structured payload from the resource
// block of the result.
func (p *SessionProxy) call(ctx context.Context, tool string, args map[string]any) (gjson.Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return gjson.Result{}, err
	}

	resp, err := p.conn.Call(ctx, mcp.ToolsCall, mcp.CallToolParams{Name: tool, Arguments: raw})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", tool, err)
	}

	payload := gjson.GetBytes(resp.Result, "content.1.resource.text")
	if !payload.Exists() {
		return gjson.Result{}, errs.NewSerializationError(p.conn.SessionID(),
			fmt.Errorf("%s result carries no resource payload", tool))
	}
	return gjson.Parse(payload.String()), nil
}

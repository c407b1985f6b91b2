package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/chess"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/trace"
)

var toolTracer = trace.Tracer("gambit.server.tools")

// toolResult is a successful tool execution: a human-readable message and
// the structured payload agents extract fields from.
type toolResult struct {
	message string
	data    map[string]any
}

// toolError turns into a JSON-RPC error response on the wire.
type toolError struct {
	code    int
	message string
	data    any
}

// handleToolCall decodes the call envelope, runs the tool, and renders the
// dual-content result: a text block for humans and a resource block
// carrying the JSON payload.
func (sess *wsSession) handleToolCall(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.Id, mcp.ErrorCodeInvalidParams, "malformed tools/call params")
	}

	result, terr := sess.srv.executeTool(ctx, sess.agentID, params.Name, params.Arguments)
	if terr != nil {
		sess.logger.Warn("tool call failed",
			zap.String("tool", params.Name),
			zap.String("reason", terr.message))
		resp := mcp.NewErrorResponse(req.Id, terr.code, terr.message)
		resp.Error.Data = terr.data
		return resp
	}

	payload, err := json.Marshal(result.data)
	if err != nil {
		return mcp.NewErrorResponse(req.Id, mcp.ErrorCodeInternalError, "serializing tool result failed")
	}
	return mustSuccess(req.Id, mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Type: mcp.TextContentType, Text: result.message},
			&mcp.ResourceContent{
				Type: mcp.ResourceContentType,
				Resource: mcp.ResourceSchema{
					URI:  "chess://tool-result/" + params.Name,
					Text: string(payload),
				},
			},
		},
	})
}

// executeTool routes a call to the chess tool implementations. The bound
// agent identity wins over any agentId argument a caller supplies.
func (s *Server) executeTool(ctx context.Context, agentID, name string, args json.RawMessage) (*toolResult, *toolError) {
	scope := toolTracer.Start(ctx, "tools/call").WithAttrs(
		attribute.String("tool.name", name),
		attribute.String("agent.id", agentID),
	)
	defer scope.End()
	ctx = scope.Ctx

	switch name {
	case mcp.ToolCreateChessGame:
		return s.toolCreateGame(ctx, agentID, args)
	case mcp.ToolMakeChessMove:
		return s.toolMakeMove(ctx, args)
	case mcp.ToolGetBoardState:
		return s.toolBoardState(args)
	case mcp.ToolAnalyzePosition:
		return s.toolAnalyzePosition(ctx, args)
	default:
		return nil, &toolError{mcp.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", name), nil}
	}
}

func (s *Server) toolCreateGame(ctx context.Context, agentID string, args json.RawMessage) (*toolResult, *toolError) {
	opponent := gjson.GetBytes(args, "aiOpponent").String()
	if opponent == "" {
		return nil, &toolError{mcp.ErrorCodeInvalidParams, "aiOpponent is required", nil}
	}
	opts := chess.GameOptions{
		AgentID:  agentID,
		Opponent: opponent,
		Color:    gjson.GetBytes(args, "playerColor").String(),
	}
	if v := gjson.GetBytes(args, "difficulty"); v.Exists() {
		opts.Difficulty = int(v.Int())
	}

	session, err := s.games.Create(ctx, opts)
	if err != nil {
		return nil, &toolError{mcp.ErrorCodeToolError, err.Error(), nil}
	}
	state := session.Snapshot()

	turnMessage := "Your turn! Make your opening move in UCI format (e.g. e2e4)."
	if state.PlayerColor == "black" {
		turnMessage = "AI made the opening move. Respond in UCI format (e.g. e7e5)."
	}
	message := fmt.Sprintf(
		"Chess game created successfully! You are playing as %s against %s AI (difficulty %d).\n\nSession ID: %s\nPosition (FEN): %s\n\n%s",
		state.PlayerColor, state.AIOpponent, state.Difficulty, state.SessionID, state.FEN, turnMessage)

	return &toolResult{
		message: message,
		data: map[string]any{
			"sessionId":   state.SessionID,
			"fen":         state.FEN,
			"aiOpponent":  state.AIOpponent,
			"playerColor": state.PlayerColor,
			"gameStatus":  state.Status,
			"difficulty":  state.Difficulty,
		},
	}, nil
}

func (s *Server) toolMakeMove(ctx context.Context, args json.RawMessage) (*toolResult, *toolError) {
	sessionID := gjson.GetBytes(args, "sessionId").String()
	move := gjson.GetBytes(args, "move").String()
	if sessionID == "" || move == "" {
		return nil, &toolError{mcp.ErrorCodeInvalidParams, "sessionId and move are required", nil}
	}

	result, err := s.games.ApplyMove(ctx, sessionID, move)
	switch {
	case errors.Is(err, chess.ErrSessionNotFound):
		return nil, &toolError{mcp.ErrorCodeToolError, "Session not found: " + sessionID,
			map[string]any{"sessionId": sessionID}}
	case err != nil:
		return nil, &toolError{mcp.ErrorCodeToolError, err.Error(), nil}
	case !result.Valid:
		return nil, &toolError{mcp.ErrorCodeToolError, "Invalid move: " + move,
			map[string]any{"legalMoves": result.LegalMoves}}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Move executed: %s", result.Move)
	if result.AIMove != "" {
		fmt.Fprintf(&sb, "\nAI responds: %s", result.AIMove)
	}
	fmt.Fprintf(&sb, "\n\nCurrent position (FEN): %s\nGame Status: %s", result.FEN, result.Status)
	if result.Status == chess.StatusActive {
		sb.WriteString("\nYour turn! Use UCI notation (e.g. e2e4).")
	}

	return &toolResult{
		message: sb.String(),
		data: map[string]any{
			"fen":          result.FEN,
			"aiMove":       result.AIMove,
			"gameStatus":   result.Status,
			"thinkingTime": result.ThinkingTime.Milliseconds(),
			"lastMove":     result.Move,
		},
	}, nil
}

func (s *Server) toolBoardState(args json.RawMessage) (*toolResult, *toolError) {
	sessionID := gjson.GetBytes(args, "sessionId").String()
	if sessionID == "" {
		return nil, &toolError{mcp.ErrorCodeInvalidParams, "sessionId is required", nil}
	}

	state, err := s.games.State(sessionID)
	if err != nil {
		return nil, &toolError{mcp.ErrorCodeToolError, "Session not found: " + sessionID,
			map[string]any{"sessionId": sessionID}}
	}

	message := fmt.Sprintf("Current board state for session %s:\nPosition: %s\nStatus: %s\nMoves played: %d",
		state.SessionID, state.FEN, state.Status, state.MovesPlayed)

	return &toolResult{
		message: message,
		data: map[string]any{
			"sessionId":   state.SessionID,
			"gameState":   state.FEN,
			"moveHistory": state.MoveHistory,
			"currentTurn": state.CurrentTurn,
			"gameStatus":  state.Status,
			"movesPlayed": state.MovesPlayed,
		},
	}, nil
}

func (s *Server) toolAnalyzePosition(ctx context.Context, args json.RawMessage) (*toolResult, *toolError) {
	sessionID := gjson.GetBytes(args, "sessionId").String()
	if sessionID == "" {
		return nil, &toolError{mcp.ErrorCodeInvalidParams, "sessionId is required", nil}
	}
	depth := int64(5)
	if v := gjson.GetBytes(args, "depth"); v.Exists() {
		depth = v.Int()
	}

	session, err := s.games.Get(sessionID)
	if err != nil {
		return nil, &toolError{mcp.ErrorCodeToolError, "Session not found: " + sessionID,
			map[string]any{"sessionId": sessionID}}
	}
	bestMove, eval, err := session.Analyze(ctx)
	if err != nil {
		return nil, &toolError{mcp.ErrorCodeToolError, err.Error(), nil}
	}

	message := fmt.Sprintf("Position analysis for session %s: Best move %s (eval: %.2f)",
		sessionID, bestMove, eval)

	return &toolResult{
		message: message,
		data: map[string]any{
			"evaluation": eval,
			"bestMove":   bestMove,
			"depth":      depth,
			"analysis":   "material evaluation with engine move suggestion",
		},
	}, nil
}

// toolSchemas declares the chess tool surface advertised by tools/list.
func toolSchemas() []mcp.ToolSchema {
	return []mcp.ToolSchema{
		{
			Name:        mcp.ToolCreateChessGame,
			Description: "Create a new chess game with AI opponent selection",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"aiOpponent": {"type": "string", "description": "AI system to play against"},
					"playerColor": {"type": "string", "enum": ["white", "black"], "description": "Player's piece color"},
					"difficulty": {"type": "integer", "minimum": 1, "maximum": 10, "description": "AI difficulty level"}
				},
				"required": ["aiOpponent"]
			}`),
		},
		{
			Name:        mcp.ToolMakeChessMove,
			Description: "Execute a chess move and get AI response",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sessionId": {"type": "string", "description": "Game session identifier"},
					"move": {"type": "string", "description": "Move in UCI notation"}
				},
				"required": ["sessionId", "move"]
			}`),
		},
		{
			Name:        mcp.ToolGetBoardState,
			Description: "Get current chess board state and game information",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sessionId": {"type": "string", "description": "Game session identifier"}
				},
				"required": ["sessionId"]
			}`),
		},
		{
			Name:        mcp.ToolAnalyzePosition,
			Description: "Get AI analysis of current chess position",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sessionId": {"type": "string", "description": "Game session identifier"},
					"depth": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Analysis depth"}
				},
				"required": ["sessionId"]
			}`),
		},
	}
}

package agent

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/internal/server"
	"github.com/castlelab/gambit/internal/transport"
)

const openingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// startGameServer boots a full chess server on an httptest listener.
func startGameServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := server.NewServer(&config.ServerConfig{
		Host:       "127.0.0.1",
		Encryption: config.EncryptionConfig{Backend: "counter", SkippedKeyLimit: 64},
		Storage:    config.StorageConfig{Type: "memory"},
		Metrics:    config.MetricsConfig{Namespace: "gambit_agent_test"},
	}, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts
}

func newAgentManager(t *testing.T, ts *httptest.Server) *transport.Manager {
	t.Helper()
	enc := config.EncryptionConfig{Backend: "counter", SkippedKeyLimit: 64}
	crypto, err := ratchet.NewService(&enc, nil, "", zap.NewNop())
	require.NoError(t, err)

	mgr, err := transport.NewManager(&config.TransportConfig{
		Kind:           "websocket",
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/mcp/ws",
		RequestTimeout: 5 * time.Second,
	}, crypto, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func TestSessionProxy_PlaysAGame(t *testing.T) {
	ts := startGameServer(t)
	mgr := newAgentManager(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := mgr.Open(ctx, "proxy-sess")
	require.NoError(t, err)

	proxy := NewSessionProxy(conn, "white", zap.NewNop())
	require.NoError(t, proxy.NewGame(ctx, "AlphaZero", 5))
	assert.True(t, proxy.Active())
	assert.True(t, strings.HasPrefix(proxy.GameID(), "chess-session-"))

	board, err := proxy.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, openingFEN, board.FEN)
	assert.Zero(t, board.MovesPlayed)
	assert.Empty(t, board.LastMove)
	assert.False(t, board.Over())

	outcome, err := proxy.Move(ctx, "e2e4")
	require.NoError(t, err)
	assert.Equal(t, "e2e4", outcome.Move)
	assert.NotEmpty(t, outcome.AIMove)
	assert.Equal(t, statusActive, outcome.Status)

	board, err = proxy.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, board.MovesPlayed)
	assert.Equal(t, []string{"e2e4", outcome.AIMove}, board.MoveHistory)
	assert.Equal(t, outcome.AIMove, board.LastMove)
	assert.Equal(t, "white", board.CurrentTurn)

	analysis, err := proxy.Analyze(ctx, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, analysis.BestMove)
	assert.Equal(t, 3, analysis.Depth)

	require.NoError(t, proxy.Close())
	assert.False(t, proxy.Active())
	_, err = proxy.Move(ctx, "d2d4")
	assert.ErrorContains(t, err, "no active game")
}

func TestSessionProxy_RequiresAGame(t *testing.T) {
	ts := startGameServer(t)
	mgr := newAgentManager(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := mgr.Open(ctx, "bare-sess")
	require.NoError(t, err)

	proxy := NewSessionProxy(conn, "white", zap.NewNop())
	_, err = proxy.Move(ctx, "e2e4")
	assert.ErrorContains(t, err, "no active game")
	_, err = proxy.Board(ctx)
	assert.ErrorContains(t, err, "no game")
	_, err = proxy.Analyze(ctx, 0)
	assert.ErrorContains(t, err, "no game")
}

func TestSessionProxy_BlackSeesTheOpening(t *testing.T) {
	ts := startGameServer(t)
	mgr := newAgentManager(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := mgr.Open(ctx, "black-sess")
	require.NoError(t, err)

	proxy := NewSessionProxy(conn, "black", zap.NewNop())
	require.NoError(t, proxy.NewGame(ctx, "MCTS", 4))

	board, err := proxy.Board(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, board.MovesPlayed)
	assert.NotEmpty(t, board.LastMove)
	assert.Equal(t, "black", board.CurrentTurn)
	assert.NotEqual(t, openingFEN, board.FEN)
}

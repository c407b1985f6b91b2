package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func TestLoadConfig_Server(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	// include env expansion and omit fields to trigger defaulting
	yaml := `
port: 1234
agent_id: ${X_AGENT:agent-42}
agents:
  - agent-42
  - agent-7
encryption:
  backend: signal
storage:
  type: redis
  redis:
    addr: 127.0.0.1:6379
    prefix: "gambit:blob:"
`
	file := filepath.Join(tmp, "gambit-server.yaml")
	assert.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig[ServerConfig]("gambit-server.yaml")
	assert.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)
	assert.Equal(t, 1234, cfg.Port)
	assert.Equal(t, "agent-42", cfg.AgentID)
	assert.Equal(t, []string{"agent-42", "agent-7"}, cfg.Agents)
	assert.Equal(t, "signal", cfg.Encryption.Backend)
	// omitted fields should be defaulted
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 1000, cfg.Encryption.SkippedKeyLimit)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "gambit:blob:", cfg.Storage.Redis.Prefix)
}

func TestLoadConfig_Agent(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	yaml := `
transport:
  url: ws://127.0.0.1:5173/mcp/ws
encryption:
  backend: counter
play:
  white_ai: MCTS
  games: 3
`
	file := filepath.Join(tmp, "gambit-agent.yaml")
	assert.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, _, err := LoadConfig[AgentConfig]("gambit-agent.yaml")
	assert.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:5173/mcp/ws", cfg.Transport.URL)
	// transport kind and request timeout should be defaulted
	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, 30*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, "MCTS", cfg.Play.WhiteAI)
	assert.Equal(t, 3, cfg.Play.Games)
	// omitted play fields should be defaulted
	assert.Equal(t, "LeelaChessZero", cfg.Play.BlackAI)
	assert.Equal(t, 5, cfg.Play.Difficulty)
	assert.Equal(t, 200, cfg.Play.MaxMoves)
}

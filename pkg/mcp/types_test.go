package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewInitializeRequestShape(t *testing.T) {
	req := NewInitializeRequest(1, InitializeRequestParams{
		ProtocolVersion: LatestProtocolVersion,
		ClientInfo:      ImplementationSchema{Name: "gambit-agent", Version: "v0.1.0"},
	})

	raw, err := json.Marshal(req)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.Equal(t, float64(1), decoded["id"])
	assert.Equal(t, Initialize, decoded["method"])

	params := decoded["params"].(map[string]any)
	assert.Equal(t, "2024-11-05", params["protocolVersion"])
	clientInfo := params["clientInfo"].(map[string]any)
	assert.Equal(t, "gambit-agent", clientInfo["name"])
}

func TestInitializedResultCarriesAgentID(t *testing.T) {
	res := InitializedResult{
		ProtocolVersion: LatestProtocolVersion,
		ServerInfo: ServerInfoSchema{
			Name:    "gambit-server",
			Version: "v0.1.0",
			AgentID: "agent-42",
		},
	}
	raw, err := json.Marshal(res)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), `"agentId":"agent-42"`)

	// omitted when the server declares no identity
	res.ServerInfo.AgentID = ""
	raw, err = json.Marshal(res)
	assert.NoError(t, err)
	assert.NotContains(t, string(raw), "agentId")
}

func TestResponseEnvelopeResultOrError(t *testing.T) {
	ok, err := NewSuccessResponse(int64(3), map[string]string{"pong": "yes"})
	assert.NoError(t, err)
	raw, _ := json.Marshal(ok)
	assert.Contains(t, string(raw), `"result"`)
	assert.NotContains(t, string(raw), `"error"`)

	bad := NewErrorResponse(int64(4), ErrorCodeMethodNotFound, "method not found")
	raw, _ = json.Marshal(bad)
	assert.Contains(t, string(raw), `"error"`)
	assert.NotContains(t, string(raw), `"result"`)

	var parsed JSONRPCResponse
	assert.NoError(t, json.Unmarshal(raw, &parsed))
	assert.NotNil(t, parsed.Error)
	assert.Equal(t, ErrorCodeMethodNotFound, parsed.Error.Code)
}

func TestParseCallToolResultText(t *testing.T) {
	payload := json.RawMessage(`{"content":[{"type":"text","text":"e2e4"}],"isError":false}`)
	result, err := ParseCallToolResult(&payload)
	assert.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*TextContent)
	assert.True(t, ok)
	assert.Equal(t, "e2e4", text.Text)
}

func TestParseCallToolResultRejectsUnknownContent(t *testing.T) {
	payload := json.RawMessage(`{"content":[{"type":"video","data":"x"}]}`)
	_, err := ParseCallToolResult(&payload)
	assert.Error(t, err)
}

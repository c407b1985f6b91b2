package mcp

import "encoding/json"

type (
	JSONRPCBaseResult struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
	}

	// JSONRPCRequest represents a JSON-RPC request that expects a response
	JSONRPCRequest struct {
		// JSONRPC version, must be "2.0"
		JSONRPC string `json:"jsonrpc"`
		// A uniquely identifying ID for a request in JSON-RPC
		Id any `json:"id"`
		// The method to be invoked
		Method string `json:"method"`
		// The parameters to be passed to the method
		Params json.RawMessage `json:"params,omitempty"`
	}

	// JSONRPCResponse represents a JSON-RPC response carrying either a
	// result or an error object
	JSONRPCResponse struct {
		JSONRPCBaseResult
		Result json.RawMessage `json:"result,omitempty"`
		Error  *JSONRPCError   `json:"error,omitempty"`
	}

	// JSONRPCError represents an error in a JSON-RPC response
	JSONRPCError struct {
		// The error type that occurred
		Code int `json:"code"`
		// A short description of the error
		Message string `json:"message"`
		// Additional information about the error
		Data any `json:"data,omitempty"`
	}

	// JSONRPCNotification represents a JSON-RPC notification
	JSONRPCNotification struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// ImplementationSchema describes the name and version of an MCP implementation
	ImplementationSchema struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// ServerInfoSchema extends the implementation descriptor with the agent
	// identity the server bound to this connection. AgentID is what the
	// encryption layer keys sessions by; a server that omits it forces the
	// client into the session-id fallback.
	ServerInfoSchema struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		AgentID string `json:"agentId,omitempty"`
	}

	// ClientCapabilitiesSchema represents capabilities a client may support
	ClientCapabilitiesSchema struct {
		Experimental map[string]any `json:"experimental,omitempty"`
		Sampling     map[string]any `json:"sampling,omitempty"`
	}

	// ServerCapabilitiesSchema represents capabilities a server may support
	ServerCapabilitiesSchema struct {
		Experimental map[string]any        `json:"experimental,omitempty"`
		Tools        ToolsCapabilitySchema `json:"tools"`
	}

	// ToolsCapabilitySchema represents tools-related capabilities
	ToolsCapabilitySchema struct {
		ListChanged bool `json:"listChanged"`
	}

	// InitializeRequestParams represents parameters for an initialize request
	InitializeRequestParams struct {
		// The latest version of the Model Context Protocol that the client supports
		ProtocolVersion string `json:"protocolVersion"`
		// Client capabilities
		Capabilities ClientCapabilitiesSchema `json:"capabilities"`
		// Client implementation information
		ClientInfo ImplementationSchema `json:"clientInfo"`
	}

	// InitializedResult represents the result of an initialize request
	InitializedResult struct {
		// The version of the Model Context Protocol that the server wants to use
		ProtocolVersion string `json:"protocolVersion"`
		// Server capabilities
		Capabilities ServerCapabilitiesSchema `json:"capabilities"`
		// Server implementation information, including the bound agent identity
		ServerInfo ServerInfoSchema `json:"serverInfo"`
		// Instructions describing how to use the server and its features
		Instructions string `json:"instructions,omitempty"`
	}

	// ToolSchema represents a tool definition
	ToolSchema struct {
		// The name of the tool
		Name string `json:"name"`
		// A human-readable description of the tool
		Description string `json:"description"`
		// A JSON Schema object defining the expected parameters for the tool
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	// ListToolsResult represents the result of a tools/list request
	ListToolsResult struct {
		Tools []ToolSchema `json:"tools"`
	}

	// CallToolParams represents parameters for a tools/call request
	CallToolParams struct {
		// The name of the tool to call
		Name string `json:"name"`
		// The arguments to pass to the tool
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// CallToolResult represents the result of a tools/call request
	CallToolResult struct {
		Content []Content `json:"content"`
		IsError bool      `json:"isError"`
	}

	// TextContent represents a text content item
	TextContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	// ResourceContent wraps an embedded resource in a tool call result.
	// The chess tools use it to attach the structured result payload
	// alongside the human-readable text block.
	ResourceContent struct {
		Type     string         `json:"type"`
		Resource ResourceSchema `json:"resource"`
	}

	// ResourceSchema identifies an embedded resource and carries its body
	ResourceSchema struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType,omitempty"`
		Text     string `json:"text,omitempty"`
	}
)

// Content represents a content item in a tool call result
type Content interface {
	GetType() string
}

const (
	TextContentType     = "text"
	ResourceContentType = "resource"
)

func (t *TextContent) GetType() string {
	return TextContentType
}

func (r *ResourceContent) GetType() string {
	return ResourceContentType
}

// NewRequest creates a new JSON-RPC request with already-marshalled params
func NewRequest(id int64, method string, params any) (JSONRPCRequest, error) {
	var paramsBytes json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return JSONRPCRequest{}, err
		}
		paramsBytes = b
	}
	return JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Id:      id,
		Method:  method,
		Params:  paramsBytes,
	}, nil
}

// NewInitializeRequest creates a new initialize request
func NewInitializeRequest(id int64, params InitializeRequestParams) JSONRPCRequest {
	paramsBytes, _ := json.Marshal(params)
	return JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Id:      id,
		Method:  Initialize,
		Params:  paramsBytes,
	}
}

// NewPingRequest creates a new ping request
func NewPingRequest(id int64) JSONRPCRequest {
	return JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Id:      id,
		Method:  Ping,
	}
}

// NewSuccessResponse creates a response envelope carrying a result object
func NewSuccessResponse(id any, result any) (JSONRPCResponse, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return JSONRPCResponse{}, err
	}
	return JSONRPCResponse{
		JSONRPCBaseResult: JSONRPCBaseResult{JSONRPC: JSONRPCVersion, ID: id},
		Result:            resultBytes,
	}, nil
}

// NewErrorResponse creates a response envelope carrying an error object
func NewErrorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPCBaseResult: JSONRPCBaseResult{JSONRPC: JSONRPCVersion, ID: id},
		Error:             &JSONRPCError{Code: code, Message: message},
	}
}

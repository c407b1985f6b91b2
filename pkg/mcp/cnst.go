package mcp

// Protocol versions
const (
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20241105 = "2024-11-05"
	LatestProtocolVersion   = ProtocolVersion20241105
	JSONRPCVersion          = "2.0"
)

// Methods
const (
	Initialize              = "initialize"
	NotificationInitialized = "notifications/initialized"
	Ping                    = "ping"
	ToolsList               = "tools/list"
	ToolsCall               = "tools/call"
)

// Tools exposed by the chess server
const (
	ToolCreateChessGame = "create_chess_game"
	ToolMakeChessMove   = "make_chess_move"
	ToolGetBoardState   = "get_board_state"
	ToolAnalyzePosition = "analyze_position"
)

// Error codes for MCP protocol
// Standard JSON-RPC error codes
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// SDKs and applications error codes
const (
	ErrorCodeConnectionClosed = -32000
	ErrorCodeRequestTimeout   = -32001
)

// Tool execution failures reported through tools/call error responses
const (
	ErrorCodeToolError = -32001
)

const (
	HeaderMcpSessionID = "Mcp-Session-Id"
)

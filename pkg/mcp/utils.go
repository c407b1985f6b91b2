package mcp

import (
	"encoding/json"
	"fmt"
)

// ParseCallToolResult decodes a tools/call result object. Only text content
// is produced by the chess tools.
func ParseCallToolResult(rawMessage *json.RawMessage) (*CallToolResult, error) {
	if rawMessage == nil {
		return nil, fmt.Errorf("response is nil")
	}

	var jsonContent map[string]any
	if err := json.Unmarshal(*rawMessage, &jsonContent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var result CallToolResult

	isError, ok := jsonContent["isError"]
	if ok {
		if isErrorBool, ok := isError.(bool); ok {
			result.IsError = isErrorBool
		}
	}

	contents, ok := jsonContent["content"]
	if !ok {
		return nil, fmt.Errorf("content is missing")
	}

	contentArr, ok := contents.([]any)
	if !ok {
		return nil, fmt.Errorf("content is not an array")
	}

	for _, content := range contentArr {
		contentMap, ok := content.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("content is not an object")
		}

		parsed, err := ParseContent(contentMap)
		if err != nil {
			return nil, err
		}

		result.Content = append(result.Content, parsed)
	}

	return &result, nil
}

// ParseContent decodes one content item of a tool result
func ParseContent(contentMap map[string]any) (Content, error) {
	contentType := ExtractString(contentMap, "type")

	if contentType == TextContentType {
		text := ExtractString(contentMap, "text")
		return &TextContent{
			Type: TextContentType,
			Text: text,
		}, nil
	}

	return nil, fmt.Errorf("unsupported content type: %s", contentType)
}

// IDToInt64 coerces a decoded JSON-RPC id into the int64 space the pending
// table is keyed by. Ids decoded through encoding/json arrive as float64;
// every id this client issues is integral, so the conversion is lossless.
func IDToInt64(id any) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// ExtractString reads a string field from a decoded JSON object
func ExtractString(data map[string]any, key string) string {
	if value, ok := data[key]; ok {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return ""
}

// NewTextContent
// Helper function to create a new TextContent
func NewTextContent(text string) *TextContent {
	return &TextContent{
		Type: TextContentType,
		Text: text,
	}
}

// NewCallToolResultText creates a new CallToolResult with text content
func NewCallToolResultText(text string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{NewTextContent(text)},
		IsError: false,
	}
}

// NewCallToolResultError creates a new CallToolResult with an error message
func NewCallToolResultError(text string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{NewTextContent(text)},
		IsError: true,
	}
}

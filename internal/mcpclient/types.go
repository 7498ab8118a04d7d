package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	"mcps/internal/config"
	"mcps/internal/jsonval"
)

// Conn is one live protocol session with a backend.
type Conn interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args jsonval.Object) (*CallResult, error)
	// PID returns the directly spawned process, or 0 for network backends.
	PID() int
	Close() error
}

// Connector opens sessions for resolved descriptors.
type Connector interface {
	Connect(ctx context.Context, desc config.ServerDescriptor) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, desc config.ServerDescriptor) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, desc config.ServerDescriptor) (Conn, error) {
	return f(ctx, desc)
}

// Tool describes one tool advertised by a backend.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MIMEType string           `json:"mimeType,omitempty"`
	URI      string           `json:"uri,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ResourceContent is the embedded resource of a "resource" content block.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// CallResult is a tool invocation outcome. Raw keeps the backend's JSON so
// it is relayed to clients unchanged.
type CallResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeCallResult parses a tool result, keeping the raw form.
func DecodeCallResult(raw json.RawMessage) (*CallResult, error) {
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	result.Raw = append(json.RawMessage(nil), raw...)
	return &result, nil
}

// MarshalJSON returns Raw when present.
func (r CallResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain CallResult
	content := r.Content
	if content == nil {
		content = []Content{}
	}
	p := plain(r)
	p.Content = content
	return json.Marshal(p)
}

// TextResult builds a successful single-text result.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []Content{{Type: "text", Text: text}}}
}

package api

import (
	"encoding/json"

	"mcps/internal/history"
	"mcps/internal/jsonval"
	"mcps/internal/mcpclient"
	"mcps/internal/pool"
)

// Version is reported by /status and used as the protocol client version.
const Version = "1.0.0"

// ConnectionStatus describes one pooled session.
type ConnectionStatus struct {
	Name       string `json:"name"`
	ToolsCount *int   `json:"toolsCount"`
	Status     string `json:"status"`
	PIDs       []int  `json:"pids,omitempty"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	PID          int                `json:"pid"`
	Port         int                `json:"port,omitempty"`
	StartedAt    string             `json:"startedAt,omitempty"`
	Connections  []ConnectionStatus `json:"connections"`
	Initializing bool               `json:"initializing"`
	Initialized  bool               `json:"initialized"`
}

// CallRequest is the /call body.
type CallRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   jsonval.Object `json:"args,omitempty"`
}

// CallResponse wraps a relayed tool result.
type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

// Decode parses the relayed result.
func (r CallResponse) Decode() (*mcpclient.CallResult, error) {
	return mcpclient.DecodeCallResult(r.Result)
}

// ListRequest is the /list body.
type ListRequest struct {
	Server string `json:"server"`
}

// ListResponse carries a backend's tools.
type ListResponse struct {
	Tools []mcpclient.Tool `json:"tools"`
}

// RestartRequest is the /restart body; an empty server restarts everything.
type RestartRequest struct {
	Server string `json:"server,omitempty"`
}

// MessageResponse is a human-readable acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HistoryResponse is the /history payload.
type HistoryResponse struct {
	Calls []history.Call `json:"calls"`
}

// FromPoolStatus converts pool sessions into wire form.
func FromPoolStatus(status pool.Status) []ConnectionStatus {
	out := make([]ConnectionStatus, 0, len(status.Sessions))
	for _, s := range status.Sessions {
		out = append(out, ConnectionStatus{
			Name:       s.Name,
			ToolsCount: s.ToolsCount,
			Status:     string(s.Status),
			PIDs:       s.PIDs,
		})
	}
	return out
}

// Package api defines the wire-format types exchanged between the control
// server and its clients.
//
// # Key Types
//
// StatusResponse: daemon state, version, pid, init phase flags, and one
// ConnectionStatus per pooled session.
//
// CallRequest/CallResponse, ListRequest/ListResponse, RestartRequest,
// MessageResponse, HistoryResponse: request and response bodies of the
// control endpoints. Failures are always an ErrorResponse.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Tool results are relayed as json.RawMessage
// so a backend's payload reaches the caller byte for byte. toolsCount is
// explicitly null when a session's tool list was never fetched.
package api

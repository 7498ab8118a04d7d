package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"mcps/internal/api"
	"mcps/internal/history"
	"mcps/internal/jsonval"
	"mcps/internal/logging"
	"mcps/internal/services"
)

func (s *ControlServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/restart", s.handleRestart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	return s.withMiddleware(mux)
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.pool.Status()
	if r.URL.Query().Get("refresh") == "1" {
		status = s.pool.Details(r.Context(), true)
	}
	payload := api.StatusResponse{
		Status:       "running",
		Version:      api.Version,
		PID:          os.Getpid(),
		Port:         s.Port(),
		Connections:  api.FromPoolStatus(status),
		Initializing: status.Initializing(),
		Initialized:  status.Initialized(),
	}
	if !s.startedAt.IsZero() {
		payload.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *ControlServer) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.CallRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	req.Server = strings.TrimSpace(req.Server)
	req.Tool = strings.TrimSpace(req.Tool)
	if req.Server == "" || req.Tool == "" {
		s.writeFailure(w, services.Wrap(services.ErrValidation, "", "", "server and tool are required", nil))
		return
	}

	ctx := services.WithTool(services.WithServer(r.Context(), req.Server), req.Tool)
	logger := logging.WithContext(ctx, s.logger)
	argsJSON, _ := jsonval.MarshalObject(req.Args)
	logger.Info("tool request", logging.String("args", string(argsJSON)))

	started := time.Now()
	result, err := s.pool.Call(ctx, req.Server, req.Tool, req.Args, 0)
	elapsed := time.Since(started)

	call := history.Call{
		Server:    req.Server,
		Tool:      req.Tool,
		Args:      argsJSON,
		Duration:  elapsed,
		StartedAt: started,
		Outcome:   history.OutcomeOK,
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		call.RequestID = rid
	}

	if err != nil {
		call.Outcome = history.OutcomeError
		call.Error = err.Error()
		s.recordHistory(ctx, call)
		logger.Warn("tool response",
			logging.Duration("duration", elapsed),
			logging.Error(err),
			logging.ErrorKind(err),
			logging.String(logging.FieldEventType, "tool_call_failed"),
		)
		s.writeFailure(w, err)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("encode tool result: %v", err))
		return
	}
	if result.IsError {
		call.Outcome = history.OutcomeToolError
	}
	s.recordHistory(ctx, call)
	logger.Info("tool response",
		logging.Duration("duration", elapsed),
		logging.Bool("is_error", result.IsError),
		logging.Int("content_blocks", len(result.Content)),
	)
	logger.Debug("tool response payload", logging.String("result", string(raw)))
	s.writeJSON(w, http.StatusOK, api.CallResponse{Result: raw})
}

func (s *ControlServer) recordHistory(ctx context.Context, call history.Call) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Record(context.WithoutCancel(ctx), call); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "call history write failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "call missing from history"),
		)
	}
}

func (s *ControlServer) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.ListRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	req.Server = strings.TrimSpace(req.Server)
	if req.Server == "" {
		s.writeFailure(w, services.Wrap(services.ErrValidation, "", "", "server is required", nil))
		return
	}
	ctx := services.WithServer(r.Context(), req.Server)
	tools, err := s.pool.Tools(ctx, req.Server, 0)
	if err != nil {
		logging.WithContext(ctx, s.logger).Warn("tool list failed", logging.Error(err), logging.ErrorKind(err))
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ListResponse{Tools: tools})
}

func (s *ControlServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RestartRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	name := strings.TrimSpace(req.Server)
	if name != "" {
		ctx = services.WithServer(ctx, name)
		if _, err := s.pool.Restart(ctx, name, 0); err != nil {
			logging.WithContext(ctx, s.logger).Warn("restart failed", logging.Error(err), logging.ErrorKind(err))
			s.writeFailure(w, err)
			return
		}
		logging.WithContext(ctx, s.logger).Info("server restarted")
		s.writeJSON(w, http.StatusOK, api.MessageResponse{Message: fmt.Sprintf("Restarted %s", name)})
		return
	}

	s.logger.Info("restarting all servers")
	report := s.pool.RestartAll(ctx)
	if report.Err != nil {
		s.writeError(w, http.StatusInternalServerError, report.Err.Error())
		return
	}
	msg := fmt.Sprintf("Restarted %d servers", len(report.Succeeded()))
	if failed := report.Failed(); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.Name)
		}
		msg += fmt.Sprintf(" (%d failed: %s)", len(failed), strings.Join(names, ", "))
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{Message: msg})
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.logger.Info("stop requested")
	s.writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Daemon stopping"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	s.requestStop()
}

func (s *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, api.HistoryResponse{Calls: []history.Call{}})
		return
	}
	query := history.Query{Server: r.URL.Query().Get("server")}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = limit
	}
	calls, err := s.history.Recent(r.Context(), query)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.HistoryResponse{Calls: calls})
}

func (s *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// decodeBody reads a JSON request body. An empty body decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return services.Wrap(services.ErrValidation, "", "", "unreadable request body", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return services.Wrap(services.ErrValidation, "", "", "invalid JSON body", err)
	}
	return nil
}

func (s *ControlServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *ControlServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

// writeFailure answers with the status mapped from err's marker.
func (s *ControlServer) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, services.HTTPStatus(err), err.Error())
}

package daemon

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mcps/internal/logging"
	"mcps/internal/services"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMiddleware wraps next with, from the outside in: correlation ids and
// request metrics, CORS headers and preflight, panic recovery, and the
// lifecycle gate.
func (s *ControlServer) withMiddleware(next http.Handler) http.Handler {
	return s.correlate(cors(s.recoverPanics(s.gate(next))))
}

func (s *ControlServer) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := services.WithRequestID(r.Context(), id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.metrics.RecordRequest(metricPath(r.URL.Path), rec.status)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "request handler panicked", "handler_panic",
					logging.String("path", r.URL.Path),
					logging.String("panic", fmt.Sprint(rec)),
					logging.String(logging.FieldImpact, "request failed; daemon keeps serving"),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state := s.State(); state != StateListening {
			s.writeError(w, http.StatusServiceUnavailable, "daemon is "+state.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricPath bounds label cardinality to the known endpoints.
func metricPath(path string) string {
	switch path {
	case "/status", "/call", "/list", "/restart", "/stop", "/metrics", "/history":
		return path
	default:
		return "other"
	}
}

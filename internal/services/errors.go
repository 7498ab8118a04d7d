package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConfigNotFound   = errors.New("server not found")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrConnectFailed    = errors.New("connect failed")
	ErrListFailed       = errors.New("list tools failed")
	ErrInvocationFailed = errors.New("tool invocation failed")
	ErrPortInUse        = errors.New("port in use")
	ErrKillFailed       = errors.New("kill failed")
	ErrValidation       = errors.New("validation error")
)

// Wrap builds an error message that includes the server and operation while
// tagging it with the provided marker for later classification. The marker
// should be one of the exported sentinel errors above.
func Wrap(marker error, server, operation, message string, err error) error {
	detail := buildDetail(server, operation, message)
	if marker == nil {
		marker = ErrConnectFailed
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// HTTPStatus maps a tagged error to the status code the control server
// should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConnectTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short stable label for the marker carried by err, used as a
// metrics label and in structured logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfigNotFound):
		return "config_not_found"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrListFailed):
		return "list_failed"
	case errors.Is(err, ErrInvocationFailed):
		return "invocation_failed"
	case errors.Is(err, ErrPortInUse):
		return "port_in_use"
	case errors.Is(err, ErrKillFailed):
		return "kill_failed"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

func buildDetail(server, operation, message string) string {
	parts := make([]string, 0, 3)
	if server = strings.TrimSpace(server); server != "" {
		parts = append(parts, server)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "backend failure"
	}
	return strings.Join(parts, ": ")
}

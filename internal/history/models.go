package history

import (
	"encoding/json"
	"time"
)

// Outcome classifies a recorded call.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeToolError Outcome = "tool_error"
	OutcomeError     Outcome = "error"
)

// Call is one recorded tool invocation.
type Call struct {
	ID        int64           `json:"id"`
	RequestID string          `json:"requestId,omitempty"`
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"-"`
	StartedAt time.Time       `json:"startedAt"`
}

// DurationMillis is the call latency in whole milliseconds.
func (c Call) DurationMillis() int64 {
	return c.Duration.Milliseconds()
}

// MarshalJSON adds durationMs to the encoded call.
func (c Call) MarshalJSON() ([]byte, error) {
	type plain Call
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain: plain(c), DurationMs: c.DurationMillis()})
}

// UnmarshalJSON reads the durationMs field back into Duration.
func (c *Call) UnmarshalJSON(data []byte) error {
	type plain Call
	var aux struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Call(aux.plain)
	c.Duration = time.Duration(aux.DurationMs) * time.Millisecond
	return nil
}

// Query filters Recent.
type Query struct {
	Server string
	Limit  int
}

package api_test

import (
	"encoding/json"
	"strings"
	"testing"

	"mcps/internal/api"
	"mcps/internal/pool"
)

func TestFromPoolStatusKeepsNullCounts(t *testing.T) {
	three := 3
	conns := api.FromPoolStatus(pool.Status{
		Phase: pool.PhaseReady,
		Sessions: []pool.SessionStatus{
			{Name: "a", ToolsCount: &three, Status: pool.StateConnected},
			{Name: "b", Status: pool.StateError},
		},
	})
	data, err := json.Marshal(conns)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `{"name":"a","toolsCount":3,"status":"connected"}`) {
		t.Fatalf("unexpected encoding %s", got)
	}
	if !strings.Contains(got, `{"name":"b","toolsCount":null,"status":"error"}`) {
		t.Fatalf("expected explicit null count, got %s", got)
	}
}

func TestCallResponseDecode(t *testing.T) {
	resp := api.CallResponse{Result: json.RawMessage(`{"content":[{"type":"text","text":"hi"}],"isError":true}`)}
	result, err := resp.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !result.IsError || len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected result %#v", result)
	}
}

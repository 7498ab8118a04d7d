package mcpclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcps/internal/config"
	"mcps/internal/jsonval"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
)

type echoArgs struct {
	Message string `json:"message"`
}

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "echo-backend", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo a message"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Message}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "add", Description: "Add numbers"},
		func(ctx context.Context, req *mcp.CallToolRequest, in addArgs) (*mcp.CallToolResult, any, error) {
			sum, _ := json.Marshal(in.A + in.B)
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(sum)}}}, nil, nil
		})
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func TestSDKConnectorStreamableHTTP(t *testing.T) {
	srv := startBackend(t)

	connector := mcpclient.NewSDKConnector(logging.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := connector.Connect(ctx, config.ServerDescriptor{Name: "echo", Kind: config.KindHTTP, URL: srv.URL})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if conn.PID() != 0 {
		t.Fatalf("expected no pid for http backend, got %d", conn.PID())
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "add" || tools[1].Name != "echo" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if len(tools[1].InputSchema) == 0 {
		t.Fatal("expected input schema to be carried")
	}

	result, err := conn.CallTool(ctx, "echo", jsonval.Object{"message": jsonval.String("hi")})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "echo: hi" {
		t.Fatalf("unexpected result %+v", result)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if !strings.Contains(string(encoded), `"echo: hi"`) {
		t.Fatalf("expected raw result relayed, got %s", encoded)
	}
}

func TestSDKConnectorRejectsUnknownKind(t *testing.T) {
	connector := mcpclient.NewSDKConnector(nil)
	if _, err := connector.Connect(context.Background(), config.ServerDescriptor{Name: "x", Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSDKConnectorProcessStartFailure(t *testing.T) {
	connector := mcpclient.NewSDKConnector(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := connector.Connect(ctx, config.ServerDescriptor{
		Name:    "missing",
		Kind:    config.KindProcess,
		Command: "/nonexistent/mcps-test-backend",
	})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestCallResultMarshalWithoutRaw(t *testing.T) {
	encoded, err := json.Marshal(mcpclient.CallResult{IsError: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"content":[],"isError":true}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	decoded, err := mcpclient.DecodeCallResult(json.RawMessage(`{"content":[{"type":"image","data":"AA==","mimeType":"image/png"},{"type":"resource","resource":{"uri":"file:///a"}}],"extra":1}`))
	if err != nil {
		t.Fatalf("DecodeCallResult: %v", err)
	}
	if decoded.Content[0].MIMEType != "image/png" || decoded.Content[1].Resource.URI != "file:///a" {
		t.Fatalf("unexpected decode %+v", decoded)
	}
	again, _ := json.Marshal(decoded)
	if !strings.Contains(string(again), `"extra":1`) {
		t.Fatalf("expected raw passthrough, got %s", again)
	}
}

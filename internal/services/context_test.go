package services_test

import (
	"context"
	"testing"

	"mcps/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithServer(ctx, "github")
	ctx = services.WithTool(ctx, "search_issues")
	ctx = services.WithRequestID(ctx, "req-123")

	if name, ok := services.ServerFromContext(ctx); !ok || name != "github" {
		t.Fatalf("unexpected server: %v %v", name, ok)
	}
	if tool, ok := services.ToolFromContext(ctx); !ok || tool != "search_issues" {
		t.Fatalf("unexpected tool: %v %v", tool, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankServerPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithServer(ctx, "")
	if _, ok := services.ServerFromContext(ctx); ok {
		t.Fatal("expected no server value")
	}
}

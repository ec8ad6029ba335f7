package mcp_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/dispatch"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/mcp"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
)

func newServer(t *testing.T) *mcp.Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhive.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	resolver := deps.NewResolver(s)
	engine := lifecycle.New(lifecycle.Options{Store: s, Resolver: resolver, Bus: bus.New()})
	queries := query.New(query.Options{
		Store:        s,
		Resolver:     resolver,
		StaleTimeout: func() time.Duration { return 24 * time.Hour },
	})
	d, err := dispatch.New(dispatch.Options{Engine: engine, Queries: queries})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	server, err := mcp.NewServer(d, "test", nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server
}

func TestServerRegistersEveryDispatcherTool(t *testing.T) {
	server := newServer(t)
	if server.MCPServer() == nil {
		t.Fatal("expected a constructed MCP server")
	}
}

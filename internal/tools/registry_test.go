package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/store"
)

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.PutMcpServer(&store.McpServer{
		ID: "srv1", Slug: "trading", OwnerUserID: "u1", Name: "Trading", IsActive: true,
	})
	m.PutProxy(&store.ApiProxy{
		ID: "p1", OwnerUserID: "u1", Name: "Price Feed (v2)",
		TargetURL: "https://api.example/price", HTTPMethod: "GET", PaymentAddress: "0x1",
	})
	m.PutProxy(&store.ApiProxy{
		ID: "p2", OwnerUserID: "u1", Name: "Order Book",
		TargetURL: "https://api.example/book", HTTPMethod: "GET", PaymentAddress: "0x1",
	})
	m.PutWorkflowTemplate(&store.WorkflowTemplate{
		ID: "w1", Slug: "swap", UserID: "u1", Name: "Token Swap",
		Definition: json.RawMessage(`{"steps":[]}`),
	})
	m.PutProxyToolBinding(&store.ProxyToolBinding{
		ID: "b2", ServerID: "srv1", ProxyID: "p2", Name: "orders", Enabled: true, DisplayOrder: 2,
	})
	m.PutProxyToolBinding(&store.ProxyToolBinding{
		ID: "b1", ServerID: "srv1", ProxyID: "p1", Enabled: true, DisplayOrder: 1,
	})
	m.PutProxyToolBinding(&store.ProxyToolBinding{
		ID: "b3", ServerID: "srv1", ProxyID: "p1", Enabled: false, DisplayOrder: 0,
	})
	m.PutWorkflowToolBinding(&store.WorkflowToolBinding{
		ID: "wb1", ServerID: "srv1", WorkflowID: "w1", Enabled: true, DisplayOrder: 1,
	})
	return m
}

func TestLoadToolsForSlug_ResolvesAndOrders(t *testing.T) {
	r := NewRegistry(seededStore(t), 0, nil)
	defer r.Close()

	cfg, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "srv1", cfg.Server.ID)

	require.Len(t, cfg.ProxyTools, 2, "disabled bindings are excluded")
	assert.Equal(t, "price_feed_v2", cfg.ProxyTools[0].Name, "default name from proxy name")
	assert.Equal(t, "p1", cfg.ProxyTools[0].Proxy.ID)
	assert.Equal(t, "orders", cfg.ProxyTools[1].Name, "explicit binding name wins")

	require.Len(t, cfg.WorkflowTools, 1)
	assert.Equal(t, "token_swap", cfg.WorkflowTools[0].Name)
	assert.Equal(t, "w1", cfg.WorkflowTools[0].Workflow.ID)
}

func TestLoadToolsForSlug_UnknownSlugIsNil(t *testing.T) {
	r := NewRegistry(seededStore(t), 0, nil)
	defer r.Close()

	cfg, err := r.LoadToolsForSlug(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadToolsForSlug_InactiveServerIsNil(t *testing.T) {
	m := seededStore(t)
	m.PutMcpServer(&store.McpServer{
		ID: "srv2", Slug: "paused", OwnerUserID: "u1", Name: "Paused", IsActive: false,
	})
	r := NewRegistry(m, 0, nil)
	defer r.Close()

	cfg, err := r.LoadToolsForSlug(context.Background(), "paused")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadToolsForSlug_CachesUntilRefresh(t *testing.T) {
	m := seededStore(t)
	r := NewRegistry(m, time.Hour, nil)
	defer r.Close()

	first, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)
	require.Len(t, first.ProxyTools, 2)

	// A store change is invisible until the cache is refreshed.
	m.PutProxyToolBinding(&store.ProxyToolBinding{
		ID: "b4", ServerID: "srv1", ProxyID: "p2", Name: "extra", Enabled: true, DisplayOrder: 9,
	})
	cached, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)
	assert.Len(t, cached.ProxyTools, 2)

	r.RefreshTools("trading")
	fresh, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)
	assert.Len(t, fresh.ProxyTools, 3)
}

func TestLoadToolsForSlug_CacheExpires(t *testing.T) {
	m := seededStore(t)
	r := NewRegistry(m, 20*time.Millisecond, nil)
	defer r.Close()

	_, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)

	m.PutProxyToolBinding(&store.ProxyToolBinding{
		ID: "b4", ServerID: "srv1", ProxyID: "p2", Name: "extra", Enabled: true, DisplayOrder: 9,
	})
	time.Sleep(60 * time.Millisecond)

	fresh, err := r.LoadToolsForSlug(context.Background(), "trading")
	require.NoError(t, err)
	assert.Len(t, fresh.ProxyTools, 3, "expired entry reloads from the store")
}

func TestRefreshTools_NotifiesInRegistrationOrder(t *testing.T) {
	r := NewRegistry(seededStore(t), 0, nil)
	defer r.Close()

	var mu sync.Mutex
	var calls []string
	r.Subscribe(func(slug string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "first:"+slug)
	})
	r.Subscribe(func(slug string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "second:"+slug)
	})

	r.RefreshTools("trading")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:trading", "second:trading"}, calls)
}

func TestRefreshTools_UnsubscribeDuringDispatchDoesNotSkip(t *testing.T) {
	r := NewRegistry(seededStore(t), 0, nil)
	defer r.Close()

	var calls []string
	var unsubscribe func()
	unsubscribe = r.Subscribe(func(slug string) {
		calls = append(calls, "a")
		unsubscribe()
	})
	r.Subscribe(func(slug string) {
		calls = append(calls, "b")
	})

	r.RefreshTools("trading")
	assert.Equal(t, []string{"a", "b"}, calls, "pending listeners still run")

	r.RefreshTools("trading")
	assert.Equal(t, []string{"a", "b", "b"}, calls, "unsubscribed listener is gone")
}

func TestToolName(t *testing.T) {
	cases := map[string]string{
		"Price Feed (v2)":  "price_feed_v2",
		"  spaced  out  ":  "spaced_out",
		"already_snake":    "already_snake",
		"UPPER-kebab-Case": "upper_kebab_case",
		"###":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ToolName(in), "input %q", in)
	}
}

package mcpbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	mcpbridge "github.com/modelkit/mcpbridge"
)

// namedFakeFactory hands out one fake transport per server name, creating
// them on demand.
type namedFakeFactory struct {
	transports map[string]*fakeTransport
}

func newNamedFakeFactory() *namedFakeFactory {
	return &namedFakeFactory{transports: make(map[string]*fakeTransport)}
}

func (f *namedFakeFactory) factory(desc mcpbridge.ServerDescriptor, _ ...mcpbridge.TransportOption) (mcpbridge.Transport, error) {
	ft, ok := f.transports[desc.Name]
	if !ok {
		ft = newFakeTransport()
		f.transports[desc.Name] = ft
	}
	return ft, nil
}

func newRegistry(t *testing.T, f *namedFakeFactory) *mcpbridge.ClientRegistry {
	t.Helper()
	registry := mcpbridge.NewClientRegistry(mcpbridge.WithRegistryTransportFactory(f.factory))
	t.Cleanup(func() { registry.Close() })
	return registry
}

func connectFake(t *testing.T, registry *mcpbridge.ClientRegistry, name string) {
	t.Helper()
	err := registry.ConnectServer(context.Background(), mcpbridge.ServerDescriptor{
		Name: name,
		URL:  "https://" + name + ".example.com",
	})
	if err != nil {
		t.Fatalf("failed to connect %q: %v", name, err)
	}
}

func TestRegistryConnectValidation(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())

	tests := []struct {
		name string
		desc mcpbridge.ServerDescriptor
	}{
		{"empty name", mcpbridge.ServerDescriptor{URL: "https://example.com"}},
		{"no target", mcpbridge.ServerDescriptor{Name: "a"}},
		{"both targets", mcpbridge.ServerDescriptor{Name: "a", URL: "https://example.com", Command: "./srv"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ConnectServer(context.Background(), tt.desc)
			var configErr *mcpbridge.ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("got %v, want ConfigError", err)
			}
		})
	}
}

func TestRegistryReRegisterDisconnectsOld(t *testing.T) {
	factory := newNamedFakeFactory()
	registry := newRegistry(t, factory)

	connectFake(t, registry, "calc")
	connectFake(t, registry, "calc")

	if got := factory.transports["calc"].disconnects.Load(); got != 1 {
		t.Errorf("got %d disconnects of replaced connection, want 1", got)
	}
	if !registry.Connected("calc") {
		t.Error("server not connected after re-register")
	}
	if got := registry.ServerNames(); !slices.Equal(got, []string{"calc"}) {
		t.Errorf("got server names %v, want [calc]", got)
	}
}

func TestRegistryDescriptorSurvivesFailedConnect(t *testing.T) {
	factory := newNamedFakeFactory()
	ft := newFakeTransport()
	ft.connectErr = &mcpbridge.ConnectionError{Err: errors.New("refused")}
	factory.transports["down"] = ft

	registry := newRegistry(t, factory)

	desc := mcpbridge.ServerDescriptor{Name: "down", URL: "https://down.example.com"}
	err := registry.ConnectServer(context.Background(), desc)
	var connErr *mcpbridge.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}

	stored, ok := registry.Descriptor("down")
	if !ok {
		t.Fatal("descriptor not retained after failed connect")
	}
	if stored.URL != desc.URL {
		t.Errorf("got stored URL %q, want %q", stored.URL, desc.URL)
	}
	if registry.Connected("down") {
		t.Error("failed server reports connected")
	}
}

func TestRegistryDisconnectServer(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())
	connectFake(t, registry, "calc")

	if !registry.DisconnectServer("calc") {
		t.Fatal("disconnect of known server reported false")
	}
	if registry.DisconnectServer("calc") {
		t.Error("second disconnect reported true")
	}
	if _, ok := registry.Descriptor("calc"); ok {
		t.Error("descriptor retained after explicit disconnect")
	}
}

func TestRegistryToolResolution(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())
	connectFake(t, registry, "calc")
	connectFake(t, registry, "search")

	registry.RouteTool("special", "search")
	// An explicit route beats everything, even a matching server name.
	registry.RouteTool("calc", "search")

	tests := []struct {
		tool string
		want string
	}{
		{"special", "search"},
		{"calc", "search"},     // explicit route beats the server-name match
		{"search", "search"},   // server-name match
		{"calc.add", "calc"},   // prefix match
		{"unknown", ""},
	}

	for _, tt := range tests {
		if got := registry.ResolveToolServer(tt.tool); got != tt.want {
			t.Errorf("ResolveToolServer(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestRegistryExecuteToolUnknownServer(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())

	_, err := registry.ExecuteTool(context.Background(), "ghost", "tools/echo", nil, nil)
	var connErr *mcpbridge.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}
	if connErr.Server != "ghost" {
		t.Errorf("got server %q in error, want %q", connErr.Server, "ghost")
	}
}

func TestRegistryProcessMessageIsolation(t *testing.T) {
	factory := newNamedFakeFactory()
	good := newFakeTransport()
	good.handler = func(msg mcpbridge.JSONRPCMessage) (*mcpbridge.Response, error) {
		return resultResponse(t, msg.IDString(), map[string]any{"value": 7}), nil
	}
	bad := newFakeTransport()
	bad.handler = func(msg mcpbridge.JSONRPCMessage) (*mcpbridge.Response, error) {
		return nil, &mcpbridge.RequestError{Method: msg.Method, Err: errors.New("tool exploded")}
	}
	factory.transports["good"] = good
	factory.transports["bad"] = bad

	registry := newRegistry(t, factory)
	connectFake(t, registry, "good")
	connectFake(t, registry, "bad")

	msg := &mcpbridge.Message{
		Role: "assistant",
		ToolCalls: []*mcpbridge.ToolCall{
			{ID: "1", Name: "lookup", Server: "good"},
			{ID: "2", Name: "explode", Server: "bad"},
			{ID: "3", Name: "orphan"},
			{ID: "4", Name: "lookup", Server: "good"},
		},
	}

	out, err := registry.ProcessMessage(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("process message failed: %v", err)
	}

	if out.ToolCalls[0].Result == nil || out.ToolCalls[0].Error != nil {
		t.Errorf("first call did not succeed: %+v", out.ToolCalls[0])
	}
	if out.ToolCalls[1].Error == nil {
		t.Error("failing call carries no error")
	}
	if out.ToolCalls[2].Error == nil {
		t.Error("unroutable call carries no error")
	}
	// A failure in the middle must not abort the rest of the batch.
	if out.ToolCalls[3].Result == nil {
		t.Error("call after a failure was not executed")
	}
}

func TestRegistryProcessMessageBatchCancel(t *testing.T) {
	factory := newNamedFakeFactory()
	slow := newFakeTransport()
	slow.release = make(chan struct{})
	factory.transports["slow"] = slow

	registry := newRegistry(t, factory)
	connectFake(t, registry, "slow")

	msg := &mcpbridge.Message{
		Role: "assistant",
		ToolCalls: []*mcpbridge.ToolCall{
			{ID: "1", Name: "hang", Server: "slow"},
			{ID: "2", Name: "hang", Server: "slow"},
			{ID: "3", Name: "hang", Server: "slow"},
		},
	}

	tok := mcpbridge.NewToken()
	go func() {
		time.Sleep(50 * time.Millisecond)
		tok.Cancel()
	}()

	out, err := registry.ProcessMessage(context.Background(), msg, tok)
	if err != nil {
		t.Fatalf("process message failed: %v", err)
	}

	for i, call := range out.ToolCalls {
		if call.Result != nil {
			t.Errorf("call %d succeeded despite cancellation", i)
		}
		if call.Error == nil {
			t.Errorf("call %d carries no error after cancellation", i)
		}
	}
}

func TestRegistryProcessMessageNil(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())

	_, err := registry.ProcessMessage(context.Background(), nil, nil)
	var configErr *mcpbridge.ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestRegistryListToolsCaching(t *testing.T) {
	factory := newNamedFakeFactory()
	ft := newFakeTransport()
	factory.transports["calc"] = ft

	var listCalls int
	ft.handler = func(msg mcpbridge.JSONRPCMessage) (*mcpbridge.Response, error) {
		listCalls++
		bs, _ := json.Marshal(map[string]any{
			"tools": []map[string]any{{"name": "add"}},
		})
		idBs, _ := json.Marshal(msg.IDString())
		return &mcpbridge.Response{
			Status: mcpbridge.StatusSuccess,
			Body:   &mcpbridge.JSONRPCMessage{JSONRPC: mcpbridge.JSONRPCVersion, ID: idBs, Result: bs},
		}, nil
	}

	registry := newRegistry(t, factory)
	connectFake(t, registry, "calc")

	for range 3 {
		tools, err := registry.ListTools(context.Background(), "calc", false)
		if err != nil {
			t.Fatalf("failed to list tools: %v", err)
		}
		if len(tools) != 1 || tools[0].Name != "add" {
			t.Fatalf("unexpected tools: %+v", tools)
		}
	}
	if listCalls != 1 {
		t.Errorf("got %d upstream list calls, want 1 (cached)", listCalls)
	}

	if _, err := registry.ListTools(context.Background(), "calc", true); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if listCalls != 2 {
		t.Errorf("got %d upstream list calls after refresh, want 2", listCalls)
	}
}

func TestRegistryCancelAllCountsBatchAndRequests(t *testing.T) {
	factory := newNamedFakeFactory()
	slow := newFakeTransport()
	slow.release = make(chan struct{})
	defer close(slow.release)
	factory.transports["slow"] = slow

	registry := newRegistry(t, factory)
	connectFake(t, registry, "slow")

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := &mcpbridge.Message{ToolCalls: []*mcpbridge.ToolCall{{ID: "1", Name: "hang", Server: "slow"}}}
		registry.ProcessMessage(context.Background(), msg, nil)
	}()

	waitFor(t, func() bool { return slow.requests.Load() == 1 }, "request never reached transport")

	// One batch token plus one in-flight request.
	if n := registry.CancelAll(); n != 2 {
		t.Errorf("got %d cancelled, want 2", n)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch hung after cancel")
	}
}

func TestRegistryStats(t *testing.T) {
	registry := newRegistry(t, newNamedFakeFactory())
	connectFake(t, registry, "a")
	connectFake(t, registry, "b")

	stats := registry.Stats()
	if len(stats) != 2 {
		t.Fatalf("got %d stats entries, want 2", len(stats))
	}
	for name, s := range stats {
		if !s.Connected {
			t.Errorf("server %q not connected in stats", name)
		}
	}
}

func TestRegistryClose(t *testing.T) {
	factory := newNamedFakeFactory()
	registry := newRegistry(t, factory)
	connectFake(t, registry, "a")
	connectFake(t, registry, "b")

	if err := registry.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(registry.ServerNames()) != 0 {
		t.Error("servers remain after close")
	}
	for name, ft := range factory.transports {
		if ft.disconnects.Load() == 0 {
			t.Errorf("server %q transport never disconnected", name)
		}
	}
}

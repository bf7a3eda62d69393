package tools

import (
	"context"
	"testing"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) *Result
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }
func (t *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return t.execute(ctx, args)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		r.Register(&fakeTool{name: n, execute: func(context.Context, map[string]interface{}) *Result {
			return NewResult("ok")
		}})
	}
	got := r.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List = %v, want %v", got, want)
		}
	}

	r.Unregister("mid")
	if _, ok := r.Get("mid"); ok {
		t.Fatal("mid still registered after Unregister")
	}
}

func TestRegistryClone(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a", execute: func(context.Context, map[string]interface{}) *Result {
		return NewResult("ok")
	}})
	c := r.Clone()
	c.Unregister("a")
	if _, ok := r.Get("a"); !ok {
		t.Fatal("Unregister on clone mutated the original")
	}
}

func TestExecuteWithContextInjection(t *testing.T) {
	r := NewRegistry()
	var gotChannel, gotChatID, gotPeerKind, gotSessionKey string
	r.Register(&fakeTool{name: "probe", execute: func(ctx context.Context, _ map[string]interface{}) *Result {
		gotChannel = ToolChannelFromCtx(ctx)
		gotChatID = ToolChatIDFromCtx(ctx)
		gotPeerKind = ToolPeerKindFromCtx(ctx)
		gotSessionKey = ToolSessionKeyFromCtx(ctx)
		return NewResult("ok")
	}})

	res := r.ExecuteWithContext(context.Background(), "probe", nil, "telegram", "123", "direct", "agent:main:telegram:dm:123", nil)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if gotChannel != "telegram" || gotChatID != "123" || gotPeerKind != "direct" || gotSessionKey != "agent:main:telegram:dm:123" {
		t.Fatalf("context injection: channel=%q chat=%q peer=%q session=%q",
			gotChannel, gotChatID, gotPeerKind, gotSessionKey)
	}
}

func TestExecuteWithContextUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.ExecuteWithContext(context.Background(), "nope", nil, "", "", "", "", nil)
	if !res.IsError {
		t.Fatal("unknown tool must return an error result")
	}
}

func TestExecuteWithContextPanicRecovery(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "boom", execute: func(context.Context, map[string]interface{}) *Result {
		panic("kaboom")
	}})
	res := r.ExecuteWithContext(context.Background(), "boom", nil, "", "", "", "", nil)
	if !res.IsError {
		t.Fatal("panicking tool must return an error result")
	}
}

func TestToProviderDef(t *testing.T) {
	tool := &fakeTool{name: "probe", execute: func(context.Context, map[string]interface{}) *Result {
		return NewResult("ok")
	}}
	def := ToProviderDef(tool)
	if def.Type != "function" || def.Function.Name != "probe" {
		t.Fatalf("def = %+v", def)
	}
}

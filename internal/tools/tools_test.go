package tools

import (
	"context"
	"errors"
	"testing"

	"boltflow/internal/toolcall"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(nil)
	var got Invocation
	reg.Register("routeToAgent", func(ctx context.Context, inv Invocation) (string, error) {
		got = inv
		return "routed", nil
	})

	inv := Invocation{
		AgentID: "coordinator",
		Tool:    "routeToAgent",
		Params:  toolcall.Params{{Name: "query", Value: "status"}},
	}
	result, err := reg.Dispatch(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if result != "routed" {
		t.Errorf("result = %q", result)
	}
	if got.AgentID != "coordinator" {
		t.Errorf("agent id = %q", got.AgentID)
	}
	if v, _ := got.Params.Get("query"); v != "status" {
		t.Errorf("query = %q", v)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Dispatch(context.Background(), Invocation{Tool: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestRegistryReplacesHandler(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("t", func(ctx context.Context, inv Invocation) (string, error) { return "old", nil })
	reg.Register("t", func(ctx context.Context, inv Invocation) (string, error) { return "new", nil })
	result, err := reg.Dispatch(context.Background(), Invocation{Tool: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if result != "new" {
		t.Errorf("result = %q", result)
	}
}

func TestLogOnlySwallowsEverything(t *testing.T) {
	d := NewLogOnly(nil)
	result, err := d.Dispatch(context.Background(), Invocation{Tool: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if result != "" {
		t.Errorf("result = %q", result)
	}
}

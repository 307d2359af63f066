package session

import (
	"context"
	"testing"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

func TestRegisterAndID(t *testing.T) {
	gw := kv.NewFake()
	m := New(gw, "node-1")

	if m.ID() != "" {
		t.Fatalf("expected empty id before Register, got %q", m.ID())
	}

	id, err := m.Register(context.Background(), "check:node-1")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected non-empty session id")
	}
	if m.ID() != id {
		t.Fatalf("ID() = %q, want %q", m.ID(), id)
	}
}

func TestDestroyClearsCachedID(t *testing.T) {
	gw := kv.NewFake()
	m := New(gw, "node-1")
	if _, err := m.Register(context.Background(), "check:node-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.ID() != "" {
		t.Fatalf("expected cleared id after Destroy, got %q", m.ID())
	}
}

func TestDestroyWithoutRegisterIsNoop(t *testing.T) {
	gw := kv.NewFake()
	m := New(gw, "node-1")
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("expected idempotent no-op destroy, got %v", err)
	}
}

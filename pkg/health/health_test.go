package health

import (
	"context"
	"testing"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

func TestStartRegistersCheckAndBindsPort(t *testing.T) {
	gw := kv.NewFake()
	p := New(gw, Options{NodeID: "n1", Range: PortRange{Lo: 20000, Hi: 20100}})

	if err := p.Start(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	if p.Port() < 20000 || p.Port() > 20100 {
		t.Fatalf("port %d outside configured range", p.Port())
	}
	if p.CheckID() != "check:n1" {
		t.Fatalf("unexpected check id: %q", p.CheckID())
	}
}

func TestStopDeregistersCheckAndClosesListener(t *testing.T) {
	gw := kv.NewFake()
	p := New(gw, Options{NodeID: "n1", Range: PortRange{Lo: 20101, Hi: 20200}})
	if err := p.Start(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Starting again on the same probe after Stop should succeed, proving
	// the listener was actually released.
	if err := p.Start(context.Background(), "n1"); err != nil {
		t.Fatalf("expected restart to succeed after Stop, got %v", err)
	}
	_ = p.Stop(context.Background())
}

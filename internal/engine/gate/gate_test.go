package gate_test

import (
	"context"
	"errors"
	"testing"

	"fieldline/internal/engine/gate"
)

func TestUnlock(t *testing.T) {
	g := gate.Gate{Secret: "1957"}
	if !g.Unlock("1957") {
		t.Fatalf("expected unlock with correct secret")
	}
	if g.Unlock("0000") {
		t.Fatalf("unlocked with wrong secret")
	}
	if g.Unlock("") {
		t.Fatalf("unlocked with empty password")
	}
}

func TestUnlockRetriesUnlimited(t *testing.T) {
	g := gate.Gate{Secret: "1957"}
	for i := 0; i < 50; i++ {
		if g.Unlock("wrong") {
			t.Fatalf("unlocked with wrong secret")
		}
	}
	if !g.Unlock("1957") {
		t.Fatalf("expected unlock after failed attempts")
	}
}

func TestEmptySecretNeverUnlocks(t *testing.T) {
	g := gate.Gate{}
	if g.Unlock("") || g.Unlock("anything") {
		t.Fatalf("gate without secret must not unlock")
	}
}

func TestAuthenticate(t *testing.T) {
	g := gate.Gate{Secret: "1957"}
	if err := g.Authenticate("1957"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := g.Authenticate("bad"); !errors.Is(err, gate.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestCapabilityContext(t *testing.T) {
	ctx := context.Background()
	if gate.IsEngineering(ctx) {
		t.Fatalf("plain context must not carry the capability")
	}
	if err := gate.EnsureEngineering(ctx); err == nil {
		t.Fatalf("expected forbidden")
	}
	ctx = gate.WithEngineering(ctx)
	if !gate.IsEngineering(ctx) {
		t.Fatalf("expected capability on context")
	}
	if err := gate.EnsureEngineering(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
}

func TestEnsureRole(t *testing.T) {
	if err := gate.EnsureRole([]string{"field", "engineering"}, "engineering"); err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	err := gate.EnsureRole([]string{"field"}, "engineering")
	var fe gate.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

package realtime

import "testing"

func TestRegistryFirstAndLastConnection(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	if first := r.Register(c1, alice); !first {
		t.Error("first Register: first = false, want true")
	}
	if first := r.Register(c2, alice); first {
		t.Error("second Register: first = true, want false")
	}
	if first := r.Register(c2, alice); first {
		t.Error("repeat Register: first = true, want false")
	}
	if got := len(r.ConnectionsFor(alice)); got != 2 {
		t.Errorf("ConnectionsFor = %d conns, want 2", got)
	}
	if _, ok := r.AuthenticatedAt("c1"); !ok {
		t.Error("AuthenticatedAt missing")
	}

	if id, last, ok := r.Unregister(c1); !ok || last || id != alice {
		t.Errorf("Unregister(c1) = %d, %v, %v, want %d, false, true", id, last, ok, alice)
	}
	if id, last, ok := r.Unregister(c2); !ok || !last || id != alice {
		t.Errorf("Unregister(c2) = %d, %v, %v, want %d, true, true", id, last, ok, alice)
	}
	if _, _, ok := r.Unregister(c2); ok {
		t.Error("Unregister of an unknown connection: ok = true")
	}
	if r.Online(alice) {
		t.Error("Online after last Unregister")
	}
}

func TestRegistryRebindsConnection(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c")

	r.Register(c, alice)
	if first := r.Register(c, bob); !first {
		t.Error("rebinding to a new user: first = false, want true")
	}
	if r.Online(alice) {
		t.Error("previous user still online")
	}
	if id, _ := r.UserOf("c"); id != bob {
		t.Errorf("UserOf = %d, want %d", id, bob)
	}
	if users, conns := r.Counts(); users != 1 || conns != 1 {
		t.Errorf("Counts = %d, %d, want 1, 1", users, conns)
	}
}

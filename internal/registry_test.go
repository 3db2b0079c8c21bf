package internal

import "testing"

type fakeSocket struct {
	id       string
	received [][]byte
	full     bool
}

func (f *fakeSocket) SocketID() string { return f.id }

func (f *fakeSocket) Send(payload []byte) bool {
	if f.full {
		return false
	}
	f.received = append(f.received, payload)
	return true
}

func TestRegistryBindAndBroadcast(t *testing.T) {
	reg := NewRegistry()
	host := &fakeSocket{id: "s-host"}
	member := &fakeSocket{id: "s-member"}

	if superseded := reg.Bind("ABC234", host, RoleHost); superseded != nil {
		t.Fatalf("first host bind should not supersede anything")
	}
	reg.Bind("ABC234", member, RoleMember)

	if got := reg.Count("ABC234"); got != 2 {
		t.Fatalf("expected 2 bound sockets, got %d", got)
	}

	delivered := reg.Broadcast("ABC234", []byte("hello"), "")
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if len(host.received) != 1 || len(member.received) != 1 {
		t.Fatalf("both sockets should have received the frame")
	}
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry()
	host := &fakeSocket{id: "s-host"}
	member := &fakeSocket{id: "s-member"}
	reg.Bind("ABC234", host, RoleHost)
	reg.Bind("ABC234", member, RoleMember)

	delivered := reg.Broadcast("ABC234", []byte("hello"), "s-member")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if len(member.received) != 0 {
		t.Fatalf("excluded socket must not receive the frame")
	}
}

func TestRegistryBroadcastUnknownRoom(t *testing.T) {
	reg := NewRegistry()
	if delivered := reg.Broadcast("NOROOM", []byte("x"), ""); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
}

func TestRegistrySlowConsumerDropped(t *testing.T) {
	reg := NewRegistry()
	slow := &fakeSocket{id: "s-slow", full: true}
	fast := &fakeSocket{id: "s-fast"}
	reg.Bind("ABC234", slow, RoleMember)
	reg.Bind("ABC234", fast, RoleMember)

	delivered := reg.Broadcast("ABC234", []byte("x"), "")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery past the full socket, got %d", delivered)
	}
	if len(fast.received) != 1 {
		t.Fatalf("healthy socket should still receive the frame")
	}
}

func TestRegistryHostSupersession(t *testing.T) {
	reg := NewRegistry()
	first := &fakeSocket{id: "s-1"}
	second := &fakeSocket{id: "s-2"}
	reg.Bind("ABC234", first, RoleHost)

	superseded := reg.Bind("ABC234", second, RoleHost)
	if superseded != first {
		t.Fatalf("expected the first host socket back, got %v", superseded)
	}
	if reg.Host("ABC234") != second {
		t.Fatalf("host slot should now hold the second socket")
	}
	// the superseded socket no longer counts as bound
	if _, _, bound := reg.Unbind("s-1"); bound {
		t.Fatalf("superseded socket should already be unbound")
	}
	if got := reg.Count("ABC234"); got != 1 {
		t.Fatalf("expected 1 bound socket, got %d", got)
	}
}

func TestRegistryUnbind(t *testing.T) {
	reg := NewRegistry()
	host := &fakeSocket{id: "s-host"}
	member := &fakeSocket{id: "s-member"}
	reg.Bind("ABC234", host, RoleHost)
	reg.Bind("ABC234", member, RoleMember)

	roomCode, role, bound := reg.Unbind("s-host")
	if !bound || roomCode != "ABC234" || role != RoleHost {
		t.Fatalf("unexpected unbind result: %q %v %v", roomCode, role, bound)
	}
	if reg.Host("ABC234") != nil {
		t.Fatalf("host slot should be empty after unbind")
	}

	roomCode, role, bound = reg.Unbind("s-member")
	if !bound || roomCode != "ABC234" || role != RoleMember {
		t.Fatalf("unexpected unbind result: %q %v %v", roomCode, role, bound)
	}
	if got := reg.Count("ABC234"); got != 0 {
		t.Fatalf("room should be gone, count=%d", got)
	}

	if _, _, bound := reg.Unbind("never-bound"); bound {
		t.Fatalf("unbinding an unknown socket must report not bound")
	}
}

func TestRegistryEvict(t *testing.T) {
	reg := NewRegistry()
	host := &fakeSocket{id: "s-host"}
	member := &fakeSocket{id: "s-member"}
	other := &fakeSocket{id: "s-other"}
	reg.Bind("ABC234", host, RoleHost)
	reg.Bind("ABC234", member, RoleMember)
	reg.Bind("XYZ789", other, RoleMember)

	evicted := reg.Evict("ABC234")
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evicted sockets, got %d", len(evicted))
	}
	if got := reg.Count("ABC234"); got != 0 {
		t.Fatalf("evicted room should be empty, count=%d", got)
	}
	if got := reg.Count("XYZ789"); got != 1 {
		t.Fatalf("other room must be untouched, count=%d", got)
	}
	if evicted := reg.Evict("ABC234"); evicted != nil {
		t.Fatalf("second evict should return nil, got %v", evicted)
	}
}

package broker

import "testing"

func newTestSession() *Session {
	return NewSession(nil, protocolHTTPForTest, "", nil, 0, NoopSink{})
}

const protocolHTTPForTest = "http"

func newTestRegistry() *Registry {
	return NewRegistry(NewSubdomainAllocator(ReservedSet(nil)), NewPortAllocator(20000, 20010))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	sess := newTestSession()

	subdomain, err := r.Register("my-app", sess)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if subdomain != "my-app" {
		t.Errorf("expected subdomain %q, got %q", "my-app", subdomain)
	}

	got, ok := r.Lookup("my-app")
	if !ok || got != sess {
		t.Fatalf("Lookup did not return the registered session")
	}
}

func TestRegistryRegisterTakenSubdomainRejected(t *testing.T) {
	r := newTestRegistry()
	first := newTestSession()
	second := newTestSession()

	if _, err := r.Register("taken", first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if _, err := r.Register("taken", second); err == nil {
		t.Error("expected registering an already-taken subdomain to fail")
	}

	got, ok := r.Lookup("taken")
	if !ok || got != first {
		t.Error("the original owner must not be evicted by a failed competing registration")
	}
}

func TestRegistryRegisterEmptyAllocatesFriendlyName(t *testing.T) {
	r := newTestRegistry()
	sess := newTestSession()

	subdomain, err := r.Register("", sess)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if subdomain == "" {
		t.Fatal("expected a non-empty allocated subdomain")
	}
	if _, ok := r.Lookup(subdomain); !ok {
		t.Fatal("allocated subdomain not reachable via Lookup")
	}
}

func TestRegistryUnregisterIsIdempotentAndOwnershipChecked(t *testing.T) {
	r := newTestRegistry()
	original := newTestSession()
	replacement := newTestSession()

	subdomain, err := r.Register("owned", original)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	original.SetSubdomain(subdomain)

	// simulate the original session's teardown racing a second agent's
	// takeover of the same subdomain after a prior Unregister.
	r.Unregister(original)
	if _, err := r.Register(subdomain, replacement); err != nil {
		t.Fatalf("re-registering freed subdomain: %v", err)
	}
	replacement.SetSubdomain(subdomain)

	// a stale/duplicate Unregister call for the original session must not
	// evict the new owner.
	r.Unregister(original)

	got, ok := r.Lookup(subdomain)
	if !ok || got != replacement {
		t.Error("a stale Unregister evicted the new owner of a reassigned subdomain")
	}

	// unregistering the actual current owner does remove it.
	r.Unregister(replacement)
	if _, ok := r.Lookup(subdomain); ok {
		t.Error("expected subdomain to be freed after unregistering its current owner")
	}
}

func TestRegistryAllocateTCPPort(t *testing.T) {
	r := newTestRegistry()
	sess := newTestSession()

	port, err := r.AllocateTCPPort(sess)
	if err != nil {
		t.Fatalf("AllocateTCPPort: %v", err)
	}
	sess.SetTCPPort(port)

	got, ok := r.LookupTCPPort(port)
	if !ok || got != sess {
		t.Fatal("LookupTCPPort did not return the session the port was allocated to")
	}
}

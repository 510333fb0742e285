package broker

import (
	"fmt"
	"sync"
)

// Registry is the process-wide mapping from subdomain to active Tunnel
// Session, and from allocated TCP port to Tunnel Session. It holds weak
// lookup references only: it never extends a session's lifetime beyond
// control-channel liveness (§3 Ownership).
type Registry struct {
	mu         sync.RWMutex
	bySubdo    map[string]*Session
	byTCPPort  map[int]*Session
	subdomains *SubdomainAllocator
	ports      *PortAllocator
}

// NewRegistry creates an empty registry using the given allocators.
func NewRegistry(subdomains *SubdomainAllocator, ports *PortAllocator) *Registry {
	return &Registry{
		bySubdo:    make(map[string]*Session),
		byTCPPort:  make(map[int]*Session),
		subdomains: subdomains,
		ports:      ports,
	}
}

// Register assigns subdomain to sess. If desired is empty, a random
// friendly subdomain is allocated. If desired is present and already
// owned, registration fails — the existing session is never evicted
// (§4.2 tie-break policy).
func (r *Registry) Register(desired string, sess *Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desired == "" {
		subdomain, err := r.subdomains.Allocate(func(candidate string) bool {
			_, taken := r.bySubdo[candidate]
			return taken
		})
		if err != nil {
			return "", err
		}
		r.bySubdo[subdomain] = sess
		return subdomain, nil
	}

	if err := ValidateSubdomain(desired, r.subdomains.reserved); err != nil {
		return "", fmt.Errorf("%w: %s", ErrReservedSubdomain, err.Error())
	}
	if _, taken := r.bySubdo[desired]; taken {
		return "", ErrSubdomainTaken
	}
	r.bySubdo[desired] = sess
	return desired, nil
}

// AllocateTCPPort draws an unused port from the configured range and
// binds it to sess.
func (r *Registry) AllocateTCPPort(sess *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, err := r.ports.Allocate(func(candidate int) bool {
		_, taken := r.byTCPPort[candidate]
		return taken
	})
	if err != nil {
		return 0, err
	}
	r.byTCPPort[port] = sess
	return port, nil
}

// Lookup returns the session owning subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.bySubdo[subdomain]
	return sess, ok
}

// LookupTCPPort returns the session owning the given TCP port, if any.
func (r *Registry) LookupTCPPort(port int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byTCPPort[port]
	return sess, ok
}

// Unregister removes subdomain and tcpPort from the registry if they are
// still owned by sess. Idempotent: safe to call more than once, and safe
// to call after another session has already taken over the subdomain (it
// will not be removed in that case).
func (r *Registry) Unregister(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bySubdo[sess.Subdomain()]; ok && existing == sess {
		delete(r.bySubdo, sess.Subdomain())
	}
	if sess.TCPPort() != 0 {
		if existing, ok := r.byTCPPort[sess.TCPPort()]; ok && existing == sess {
			delete(r.byTCPPort, sess.TCPPort())
		}
	}
}

// Size returns the number of active subdomain registrations.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySubdo)
}

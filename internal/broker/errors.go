package broker

import "errors"

// Sentinel errors surfaced by the Registry and Tunnel Session, matched by
// callers with errors.Is.
var (
	ErrSubdomainTaken    = errors.New("subdomain already taken")
	ErrReservedSubdomain = errors.New("subdomain is reserved")
	ErrTimeout           = errors.New("request timed out waiting for agent response")
	ErrSessionClosed     = errors.New("tunnel session is closed")
)

package broker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// subdomainPattern is the validation rule from §4.2: 3-63 chars, lowercase
// alphanumeric with internal hyphens, not starting or ending with one.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// defaultReserved is the baseline reserved subdomain set (§4.2). A
// Config.Tunnel.ReservedSubdomains list is additive to this set.
var defaultReserved = []string{
	"www", "api", "admin", "dashboard", "app", "mail", "ftp",
	"ssh", "git", "tunnel", "ws", "wss", "http", "https",
}

var adjectives = []string{
	"swift", "quiet", "bold", "lucky", "mellow", "bright", "eager",
	"gentle", "clever", "brave", "calm", "crisp", "fuzzy", "nimble",
	"sunny", "tidy", "vivid", "witty", "zesty", "amber",
}

var nouns = []string{
	"otter", "falcon", "meadow", "harbor", "comet", "cedar", "ridge",
	"heron", "delta", "maple", "ember", "lantern", "summit", "willow",
	"canyon", "tundra", "orbit", "quartz", "rapids", "pebble",
}

// ValidateSubdomain checks the subdomain format and reserved-set rules.
// It does not check liveness against the Registry; callers do that
// separately so validation and allocation stay independently testable.
func ValidateSubdomain(subdomain string, reserved map[string]struct{}) error {
	if len(subdomain) < 3 || len(subdomain) > 63 {
		return fmt.Errorf("subdomain %q must be 3-63 characters", subdomain)
	}
	if !subdomainPattern.MatchString(subdomain) {
		return fmt.Errorf("subdomain %q has invalid format", subdomain)
	}
	if _, ok := reserved[subdomain]; ok {
		return fmt.Errorf("subdomain %q is reserved", subdomain)
	}
	return nil
}

// ReservedSet builds the reserved-subdomain lookup set from the defaults
// plus any configured additions.
func ReservedSet(extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(defaultReserved)+len(extra))
	for _, s := range defaultReserved {
		set[s] = struct{}{}
	}
	for _, s := range extra {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}

// SubdomainAllocator generates random friendly subdomains, retrying on
// collision against a caller-supplied liveness check.
type SubdomainAllocator struct {
	reserved map[string]struct{}
}

// NewSubdomainAllocator builds an allocator using the given reserved set.
func NewSubdomainAllocator(reserved map[string]struct{}) *SubdomainAllocator {
	return &SubdomainAllocator{reserved: reserved}
}

// Allocate returns a subdomain not present in taken, retrying a bounded
// number of times before falling back to a longer random suffix.
func (a *SubdomainAllocator) Allocate(taken func(string) bool) (string, error) {
	const friendlyAttempts = 20
	for i := 0; i < friendlyAttempts; i++ {
		candidate, err := friendlySubdomain()
		if err != nil {
			return "", err
		}
		if err := ValidateSubdomain(candidate, a.reserved); err != nil {
			continue
		}
		if !taken(candidate) {
			return candidate, nil
		}
	}

	// fall back to a longer random suffix; this essentially never collides.
	const fallbackAttempts = 5
	for i := 0; i < fallbackAttempts; i++ {
		suffix, err := randomHex(6)
		if err != nil {
			return "", err
		}
		candidate := "tunnel-" + suffix
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("exhausted subdomain allocation attempts")
}

func friendlySubdomain() (string, error) {
	adj, err := randomChoice(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := randomChoice(nouns)
	if err != nil {
		return "", err
	}
	n, err := randomInt(1000)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", adj, noun, n), nil
}

func randomChoice(words []string) (string, error) {
	n, err := randomInt(len(words))
	if err != nil {
		return "", err
	}
	return words[n], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("generating random int: %w", err)
	}
	return int(v.Int64()), nil
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PortAllocator draws unused ports from a configured range.
type PortAllocator struct {
	min, max int
}

// NewPortAllocator builds an allocator over [min, max] inclusive.
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{min: min, max: max}
}

// Allocate returns a port in range not rejected by taken, retrying a
// bounded number of times to absorb listen() races.
func (a *PortAllocator) Allocate(taken func(int) bool) (int, error) {
	span := a.max - a.min + 1
	if span <= 0 {
		return 0, fmt.Errorf("invalid port range [%d, %d]", a.min, a.max)
	}
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		offset, err := randomInt(span)
		if err != nil {
			return 0, err
		}
		candidate := a.min + offset
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("exhausted port allocation attempts in range [%d, %d]", a.min, a.max)
}

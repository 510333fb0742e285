package agent

import (
	"fmt"
	"testing"
	"time"
)

func testBackoffConfig() *Config {
	cfg := defaultConfig()
	cfg.Tunnel.ReconnectBaseDelay = 1000 * time.Millisecond
	cfg.Tunnel.ReconnectMaxDelay = 60000 * time.Millisecond
	cfg.Tunnel.ReconnectJitterFactor = 0.30
	return cfg
}

// TestBackoffDelayExponentialGrowth checks that the unjittered floor of the
// delay doubles each attempt: base * 2^attempt, capped at maxDelay.
func TestBackoffDelayExponentialGrowth(t *testing.T) {
	a := &Agent{cfg: testBackoffConfig()}

	cases := []struct {
		attempt  int
		wantBase time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
		{4, 16000 * time.Millisecond},
		{5, 32000 * time.Millisecond},
		{6, 60000 * time.Millisecond}, // would be 64s unjittered, capped at maxDelay
		{10, 60000 * time.Millisecond},
	}

	for _, c := range cases {
		delay := a.backoffDelay(c.attempt)
		maxWant := c.wantBase + time.Duration(float64(c.wantBase)*0.30)
		if delay < c.wantBase {
			t.Errorf("attempt %d: delay %v below unjittered floor %v", c.attempt, delay, c.wantBase)
		}
		if delay > maxWant {
			t.Errorf("attempt %d: delay %v exceeds max jittered bound %v", c.attempt, delay, maxWant)
		}
	}
}

func TestBackoffDelayNeverExceedsMaxDelayPlusJitter(t *testing.T) {
	cfg := testBackoffConfig()
	a := &Agent{cfg: cfg}
	upperBound := cfg.Tunnel.ReconnectMaxDelay + time.Duration(float64(cfg.Tunnel.ReconnectMaxDelay)*cfg.Tunnel.ReconnectJitterFactor)

	for attempt := 0; attempt < 30; attempt++ {
		delay := a.backoffDelay(attempt)
		if delay > upperBound {
			t.Fatalf("attempt %d: delay %v exceeded absolute upper bound %v", attempt, delay, upperBound)
		}
	}
}

func TestJitterOffsetBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := jitterOffset(300)
		if got < 0 || got >= 300 {
			t.Fatalf("jitterOffset(300) = %v, want in [0, 300)", got)
		}
	}
}

func TestJitterOffsetZeroMax(t *testing.T) {
	if got := jitterOffset(0); got != 0 {
		t.Errorf("jitterOffset(0) = %v, want 0", got)
	}
}

// TestHandleSubdomainTakenClearsRequestedSubdomain exercises the
// reconnect-and-reassignment scenario: a SUBDOMAIN_TAKEN rejection must
// clear the configured subdomain so the next registration attempt lets
// the broker allocate a fresh one.
func TestHandleSubdomainTakenClearsRequestedSubdomain(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tunnel.Subdomain = "my-app"
	a := &Agent{cfg: cfg}

	a.handleSubdomainTaken(&RegistrationError{Code: "SUBDOMAIN_TAKEN", Message: "already registered"})

	if cfg.Tunnel.Subdomain != "" {
		t.Errorf("expected subdomain to be cleared after a SUBDOMAIN_TAKEN rejection, got %q", cfg.Tunnel.Subdomain)
	}
}

func TestHandleSubdomainTakenIgnoresOtherErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tunnel.Subdomain = "my-app"
	a := &Agent{cfg: cfg}

	a.handleSubdomainTaken(&RegistrationError{Code: "REJECTED", Message: "bad password"})
	if cfg.Tunnel.Subdomain != "my-app" {
		t.Errorf("expected subdomain to be left alone for a non-taken rejection, got %q", cfg.Tunnel.Subdomain)
	}

	a.handleSubdomainTaken(fmt.Errorf("connection reset"))
	if cfg.Tunnel.Subdomain != "my-app" {
		t.Errorf("expected subdomain to be left alone for a non-registration error, got %q", cfg.Tunnel.Subdomain)
	}

	a.handleSubdomainTaken(nil)
	if cfg.Tunnel.Subdomain != "my-app" {
		t.Errorf("expected subdomain to be left alone for a nil error, got %q", cfg.Tunnel.Subdomain)
	}
}

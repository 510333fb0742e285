package agent

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/reverseproxy/internal/protocol"
)

// Agent manages the lifecycle of the control connection to the broker,
// including proxy verification and the exact reconnection policy (§4.6).
type Agent struct {
	cfg    *Config
	dialer *ProxyDialer
	events EventSink
}

// New creates a new agent from the given configuration. events may be
// nil, in which case lifecycle notifications are discarded.
func New(cfg *Config, events EventSink) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	if events == nil {
		events = noopEventSink{}
	}
	return &Agent{cfg: cfg, dialer: dialer, events: events}, nil
}

// Run verifies proxy routing (if configured) and then drives the
// reconnect loop until ctx is cancelled or the reconnect policy is
// exhausted.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyRouting {
		slog.Info("verifying proxy routing before connecting")
		verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout, a.cfg.Proxy.IPCheckURL)
		if err := verifier.VerifyRouting(ctx); err != nil {
			return err
		}
	}

	return a.reconnectLoop(ctx)
}

// reconnectLoop implements the exact backoff+jitter policy: delay =
// min(maxDelay, baseDelay * 2^attempts) + uniform(0, delay*jitterFactor),
// capped at maxAttempts consecutive failures (§4.6).
func (a *Agent) reconnectLoop(ctx context.Context) error {
	attempt := 0
	for {
		connected, _, err := a.runOnce(ctx, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		a.handleSubdomainTaken(err)

		maxAttempts := a.cfg.Tunnel.ReconnectMaxAttempts
		if maxAttempts > 0 && attempt >= maxAttempts {
			a.events.Emit(Event{Kind: EventReconnectFailed, Attempt: attempt, MaxAttempt: maxAttempts, Err: err})
			return fmt.Errorf("exceeded %d reconnect attempts: %w", maxAttempts, err)
		}

		delay := a.backoffDelay(attempt)
		attempt++
		slog.Warn("control channel disconnected, reconnecting", "err", err, "attempt", attempt, "delay", delay)
		a.events.Emit(Event{Kind: EventReconnecting, Attempt: attempt, MaxAttempt: maxAttempts, Err: err})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleSubdomainTaken clears a configured subdomain request after the
// broker rejects it as taken, so the next reconnect attempt registers
// with an empty subdomain and accepts whatever name the broker allocates
// (§8 scenario 4: reassignment on a reconnect collision).
func (a *Agent) handleSubdomainTaken(err error) {
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Code != "SUBDOMAIN_TAKEN" {
		return
	}
	if a.cfg.Tunnel.Subdomain == "" {
		return
	}
	slog.Warn("requested subdomain is taken, retrying with a broker-allocated one", "subdomain", a.cfg.Tunnel.Subdomain)
	a.cfg.Tunnel.Subdomain = ""
}

// backoffDelay computes delay for the given zero-based attempt count.
func (a *Agent) backoffDelay(attempt int) time.Duration {
	t := a.cfg.Tunnel
	base := float64(t.ReconnectBaseDelay)
	max := float64(t.ReconnectMaxDelay)

	exp := base * math.Pow(2, float64(attempt))
	if exp > max {
		exp = max
	}

	jitter := exp * t.ReconnectJitterFactor
	offset := jitterOffset(jitter)
	return time.Duration(exp + offset)
}

// jitterOffset draws a uniform random value in [0, max) using a
// cryptographically sound source, avoiding a global math/rand generator.
func jitterOffset(max float64) float64 {
	if max <= 0 {
		return 0
	}
	const precision = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0
	}
	return max * float64(n.Int64()) / float64(precision)
}

// runOnce connects, registers, and serves the control channel until it
// closes or ctx is cancelled. registered carries the possibly-reassigned
// subdomain/publicUrl reported by the broker's "registered" reply.
// connected reports whether registration completed, regardless of how
// the subsequent serve loop ended — it gates the reconnect attempt reset.
// When reconnect is set, a "reconnected" event carrying the new
// subdomain/publicUrl is emitted as soon as registration succeeds.
func (a *Agent) runOnce(ctx context.Context, reconnect bool) (connected bool, registered protocol.RegisteredPayload, err error) {
	cc, err := dialControl(ctx, a.cfg, a.dialer)
	if err != nil {
		return false, protocol.RegisteredPayload{}, err
	}
	defer cc.Close()

	a.events.Emit(Event{Kind: EventConnected, PublicURL: cc.Registered.PublicURL, Subdomain: cc.Registered.Subdomain})
	if reconnect {
		a.events.Emit(Event{Kind: EventReconnected, PublicURL: cc.Registered.PublicURL, Subdomain: cc.Registered.Subdomain})
	}
	slog.Info("tunnel registered", "subdomain", cc.Registered.Subdomain, "publicUrl", cc.Registered.PublicURL)

	var stopCheck func()
	var checkFailed <-chan error
	if a.dialer != nil && a.cfg.Proxy.RecheckInterval > 0 {
		verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout, a.cfg.Proxy.IPCheckURL)
		stopCheck, checkFailed = StartPeriodicCheck(verifier, a.cfg.Proxy.RecheckInterval)
		defer stopCheck()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- cc.Run(ctx, a.events)
	}()

	select {
	case err := <-runErr:
		a.events.Emit(Event{Kind: EventDisconnected, Err: err})
		return true, cc.Registered, err
	case err := <-checkFailed:
		slog.Error("proxy health check failed, closing tunnel", "err", err)
		cc.Close()
		a.events.Emit(Event{Kind: EventDisconnected, Err: err})
		return true, cc.Registered, err
	case <-ctx.Done():
		cc.Close()
		return true, cc.Registered, ctx.Err()
	}
}

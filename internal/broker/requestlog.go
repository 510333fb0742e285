package broker

import "log/slog"

// RequestEvent is the observational record published on completion of an
// ingress HTTP request, whether it succeeded or failed.
type RequestEvent struct {
	Subdomain  string
	Method     string
	Path       string
	StatusCode int
	BytesIn    int64
	BytesOut   int64
	DurationMs int64
	ClientIP   string
	UserAgent  string
}

// RequestLogSink is the external collaborator request-log events are
// published to. Publish is fire-and-forget: the ingress dispatcher never
// blocks on it and never surfaces its errors to the public client.
type RequestLogSink interface {
	Publish(event RequestEvent)
}

// NoopSink discards every event. It is the default for standalone use.
type NoopSink struct{}

// Publish implements RequestLogSink.
func (NoopSink) Publish(RequestEvent) {}

// SlogSink publishes events as structured log lines, useful for local
// development and the integration tests where no external analytics
// store is wired up.
type SlogSink struct{}

// Publish implements RequestLogSink.
func (SlogSink) Publish(e RequestEvent) {
	slog.Info("request completed",
		"subdomain", e.Subdomain,
		"method", e.Method,
		"path", e.Path,
		"status", e.StatusCode,
		"bytes_in", e.BytesIn,
		"bytes_out", e.BytesOut,
		"duration_ms", e.DurationMs,
		"client_ip", e.ClientIP,
	)
}

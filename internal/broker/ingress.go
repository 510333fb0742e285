package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// returned response (§4.4 step 6).
var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

// Ingress is the public HTTP dispatcher: it routes by Host-header
// subdomain, enforces per-tunnel access policies, and streams the
// correlated response back verbatim (§4.4).
type Ingress struct {
	registry   *Registry
	baseDomain string
	bodyCap    int64
	deadline   time.Duration
	sink       RequestLogSink
}

// NewIngress builds an HTTP ingress dispatcher.
func NewIngress(registry *Registry, baseDomain string, bodyCap int64, deadline time.Duration, sink RequestLogSink) *Ingress {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Ingress{registry: registry, baseDomain: baseDomain, bodyCap: bodyCap, deadline: deadline, sink: sink}
}

// ServeHTTP implements http.Handler.
func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	subdomain := ing.subdomainOf(r.Host)
	clientIP := clientIPOf(r)

	event := RequestEvent{
		Subdomain: subdomain,
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIP,
		UserAgent: r.UserAgent(),
	}
	defer func() {
		event.DurationMs = time.Since(start).Milliseconds()
		go ing.sink.Publish(event)
	}()

	if subdomain == "" {
		event.StatusCode = http.StatusBadRequest
		http.Error(w, "no subdomain in request host", http.StatusBadRequest)
		return
	}

	sess, ok := ing.registry.Lookup(subdomain)
	if !ok {
		event.StatusCode = http.StatusBadGateway
		writeErrorCode(w, http.StatusBadGateway, "TUNNEL_NOT_FOUND", "no tunnel registered for this subdomain")
		return
	}

	if hash := sess.PasswordHash(); hash != "" {
		_, password, hasAuth := r.BasicAuth()
		if !hasAuth || !CheckPassword(hash, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tunnel"`)
			event.StatusCode = http.StatusUnauthorized
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	if allow := sess.IPAllowList(); !allow.Allowed(clientIP) {
		event.StatusCode = http.StatusForbidden
		writeErrorCode(w, http.StatusForbidden, "IP_BLOCKED", "client ip not permitted for this tunnel")
		return
	}

	body, err := readCappedBody(r.Body, ing.bodyCap)
	if err != nil {
		event.StatusCode = http.StatusRequestEntityTooLarge
		http.Error(w, "request body exceeds the configured cap", http.StatusRequestEntityTooLarge)
		return
	}
	event.BytesIn = int64(len(body))

	headers := flattenHeaders(r.Header)
	stripHopByHop(headers)
	statusCode, respHeaders, respBody, err := sess.DispatchHTTP(r.Method, r.URL.RequestURI(), headers, body, ing.deadline)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			event.StatusCode = http.StatusGatewayTimeout
			http.Error(w, "request timed out waiting for the agent", http.StatusGatewayTimeout)
		case errors.Is(err, ErrSessionClosed):
			event.StatusCode = http.StatusBadGateway
			writeErrorCode(w, http.StatusBadGateway, "TUNNEL_DISCONNECTED", "tunnel disconnected while awaiting response")
		default:
			slog.Error("dispatching request failed", "subdomain", subdomain, "err", err)
			event.StatusCode = http.StatusBadGateway
			http.Error(w, "tunnel error", http.StatusBadGateway)
		}
		return
	}

	stripHopByHop(respHeaders)
	for k, v := range respHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	if len(respBody) > 0 {
		w.Write(respBody)
	}
	event.StatusCode = statusCode
	event.BytesOut = int64(len(respBody))
}

// subdomainOf extracts the leftmost DNS label of host relative to the
// broker's base domain (§4.4).
func (ing *Ingress) subdomainOf(host string) string {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	suffix := "." + strings.ToLower(ing.baseDomain)
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

func clientIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func stripHopByHop(headers map[string]string) {
	for _, h := range hopByHopHeaders {
		for k := range headers {
			if strings.EqualFold(k, h) {
				delete(headers, k)
			}
		}
	}
}

func readCappedBody(body io.ReadCloser, cap int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	limited := io.LimitReader(body, cap+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(data)) > cap {
		return nil, fmt.Errorf("body exceeds cap of %d bytes", cap)
	}
	return data, nil
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Tunnel-Error-Code", code)
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s: %s\n", code, message)
}

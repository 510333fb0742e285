package agent

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/reverseproxy/internal/protocol"
)

// LocalForwarder executes a Broker-dispatched "request" frame against the
// agent's local backend and builds the matching "response" payload.
type LocalForwarder struct {
	targetURL string
	client    *http.Client
}

// NewLocalForwarder creates a forwarder targeting the given backend url.
func NewLocalForwarder(targetURL string, timeout time.Duration) *LocalForwarder {
	return &LocalForwarder{
		targetURL: targetURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// Forward decodes req's body, executes it against the local backend, and
// returns the response payload. On any local-side failure it returns a
// synthesized 502 rather than an error, matching the agent's
// "local server unreachable" contract (§4.6 step 3).
func (f *LocalForwarder) Forward(req *protocol.RequestPayload) *protocol.ResponsePayload {
	body, err := protocol.DecodeBody(req.Body, req.BodyEncoding)
	if err != nil {
		slog.Warn("failed to decode request body", "err", err)
		return badGatewayResponse("Bad Gateway: malformed request body")
	}

	backendURL := f.targetURL + req.Path
	slog.Debug("forwarding request to local server", "method", req.Method, "url", backendURL)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequest(req.Method, backendURL, bodyReader)
	if err != nil {
		slog.Warn("failed to build local request", "err", err)
		return badGatewayResponse("Bad Gateway: Local server not responding")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		slog.Warn("local server request failed", "err", err)
		return badGatewayResponse("Bad Gateway: Local server not responding")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("failed to read local response body", "err", err)
		return badGatewayResponse("Bad Gateway: Local server not responding")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	encodedBody, encoding := protocol.EncodeBody(respBody)
	return &protocol.ResponsePayload{
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         encodedBody,
		BodyEncoding: encoding,
	}
}

func badGatewayResponse(message string) *protocol.ResponsePayload {
	return &protocol.ResponsePayload{
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       message,
	}
}

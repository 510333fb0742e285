package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reverseproxy/internal/protocol"
)

func TestLocalForwarderRoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("expected path /hello, got %s", r.URL.Path)
		}
		if r.Header.Get("X-Req") != "1" {
			t.Errorf("expected request header to forward, got %q", r.Header.Get("X-Req"))
		}
		w.Header().Set("X-Resp", "2")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("world"))
	}))
	defer backend.Close()

	f := NewLocalForwarder(backend.URL, time.Second)
	resp := f.Forward(&protocol.RequestPayload{
		Method:  "GET",
		Path:    "/hello",
		Headers: map[string]string{"X-Req": "1"},
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Headers["X-Resp"] != "2" {
		t.Errorf("expected response header to round-trip, got %v", resp.Headers)
	}
	body, err := protocol.DecodeBody(resp.Body, resp.BodyEncoding)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(body) != "world" {
		t.Errorf("expected body %q, got %q", "world", body)
	}
}

func TestLocalForwarderReturns502OnConnectionFailure(t *testing.T) {
	f := NewLocalForwarder("http://127.0.0.1:1", 200*time.Millisecond)
	resp := f.Forward(&protocol.RequestPayload{Method: "GET", Path: "/x"})

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 when the local server is unreachable, got %d", resp.StatusCode)
	}
}

func TestLocalForwarderReturns502OnMalformedBody(t *testing.T) {
	f := NewLocalForwarder("http://127.0.0.1:1", time.Second)
	resp := f.Forward(&protocol.RequestPayload{
		Method:       "POST",
		Path:         "/x",
		Body:         "not-valid-base64!!!",
		BodyEncoding: "base64",
	})

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for an undecodable body, got %d", resp.StatusCode)
	}
}

func TestLocalForwarderPropagatesStatusCode(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	f := NewLocalForwarder(backend.URL, time.Second)
	resp := f.Forward(&protocol.RequestPayload{Method: "GET", Path: "/"})
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected status %d to propagate, got %d", http.StatusTeapot, resp.StatusCode)
	}
}

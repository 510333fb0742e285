package broker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reverseproxy/internal/protocol"
)

// dialTestSession spins up a websocket server wrapping conn in a Session,
// and returns the Session plus a Codec for the "agent side" of the pair.
func dialTestSession(t *testing.T) (*Session, *protocol.Codec, func()) {
	t.Helper()
	var sess *Session
	sessReady := make(chan struct{})

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess = NewSession(conn, protocol.ProtocolHTTP, "", nil, time.Minute, NoopSink{})
		sess.Activate()
		close(sessReady)
		sess.Run()
	}))

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dialing test server: %v", err)
	}
	<-sessReady

	codec := protocol.NewCodec(clientConn)
	return sess, codec, func() {
		clientConn.Close()
		server.Close()
	}
}

func TestSessionDispatchHTTPRoundTrip(t *testing.T) {
	sess, codec, cleanup := dialTestSession(t)
	defer cleanup()

	go func() {
		frame, err := codec.ReadFrame()
		if err != nil || frame.Type != protocol.TypeRequest {
			return
		}
		resp, _ := protocol.NewFrame(protocol.TypeResponse, &protocol.ResponsePayload{
			StatusCode: 200,
			Headers:    map[string]string{"X-Test": "1"},
			Body:       "ok",
		})
		resp.RequestID = frame.RequestID
		codec.WriteFrame(resp)
	}()

	status, headers, body, err := sess.DispatchHTTP("GET", "/x", nil, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchHTTP: %v", err)
	}
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}
	if headers["X-Test"] != "1" {
		t.Errorf("expected header to round-trip, got %v", headers)
	}
	if string(body) != "ok" {
		t.Errorf("expected body %q, got %q", "ok", body)
	}
}

func TestSessionDispatchHTTPTimeout(t *testing.T) {
	sess, _, cleanup := dialTestSession(t)
	defer cleanup()

	_, _, _, err := sess.DispatchHTTP("GET", "/slow", nil, nil, 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSessionDispatchHTTPRejectsWhenNotActive(t *testing.T) {
	sess := newTestSession()
	_, _, _, err := sess.DispatchHTTP("GET", "/x", nil, nil, time.Second)
	if err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed for an inactive session, got %v", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sess, _, cleanup := dialTestSession(t)
	defer cleanup()

	sess.Close()
	sess.Close() // must not panic or double-close channels

	select {
	case <-sess.Done():
	default:
		t.Error("expected Done() to be closed after Close()")
	}
}

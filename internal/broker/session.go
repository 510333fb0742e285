package broker

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reverseproxy/internal/protocol"
)

type sessionState int32

const (
	stateNew sessionState = iota
	stateActive
	stateClosed
)

// pendingRequest is a waiter for exactly one "response" frame, or a
// timeout/close signal, per §4.3 algorithm step 2-4.
type pendingRequest struct {
	ch chan protocol.ResponsePayload
}

// tcpEntry is a Multiplexed TCP Connection's broker-side record: the
// public socket handle, kept alive only while that socket is open (§3).
type tcpEntry struct {
	conn     net.Conn
	openedAt time.Time
}

// Session is the Broker-side Tunnel Session: it exclusively owns one
// agent's control channel, pending-request table, and TCP-connection
// table (§3 Ownership, §4.3).
type Session struct {
	id           string
	subdomain    string
	proto        string
	passwordHash string
	ipAllow      *IPAllowList
	tcpPort      int
	createdAt    time.Time
	stats        *Stats

	codec *protocol.Codec
	sink  RequestLogSink

	idleTimeout time.Duration

	state       atomic.Int32
	lastFrameAt atomic.Int64 // unix nanos

	mu      sync.Mutex
	pending map[string]*pendingRequest
	tcp     map[string]*tcpEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an authenticated agent's websocket connection as a
// NEW (not yet ACTIVE) Tunnel Session.
func NewSession(conn *websocket.Conn, protocolKind string, passwordHash string, ipAllow *IPAllowList, idleTimeout time.Duration, sink RequestLogSink) *Session {
	s := &Session{
		id:           uuid.NewString(),
		proto:        protocolKind,
		passwordHash: passwordHash,
		ipAllow:      ipAllow,
		createdAt:    time.Now(),
		stats:        &Stats{},
		codec:        protocol.NewCodec(conn),
		sink:         sink,
		idleTimeout:  idleTimeout,
		pending:      make(map[string]*pendingRequest),
		tcp:          make(map[string]*tcpEntry),
		done:         make(chan struct{}),
	}
	s.lastFrameAt.Store(time.Now().UnixNano())
	return s
}

// ID returns the opaque tunnel identifier.
func (s *Session) ID() string { return s.id }

// Subdomain returns the session's registered subdomain.
func (s *Session) Subdomain() string { return s.subdomain }

// SetSubdomain records the subdomain assigned by Registry.Register.
func (s *Session) SetSubdomain(subdomain string) { s.subdomain = subdomain }

// Protocol returns "http" or "tcp".
func (s *Session) Protocol() string { return s.proto }

// TCPPort returns the allocated TCP port, or 0 in HTTP mode.
func (s *Session) TCPPort() int { return s.tcpPort }

// SetTCPPort records the port assigned by Registry.AllocateTCPPort.
func (s *Session) SetTCPPort(port int) { s.tcpPort = port }

// Stats returns the session's counters.
func (s *Session) Stats() *Stats { return s.stats }

// PasswordHash returns the session's configured password digest, empty
// if the tunnel has no password gate.
func (s *Session) PasswordHash() string { return s.passwordHash }

// IPAllowList returns the session's configured allow list, possibly nil.
func (s *Session) IPAllowList() *IPAllowList { return s.ipAllow }

// Activate transitions a NEW session to ACTIVE, permitting dispatch.
func (s *Session) Activate() {
	s.state.Store(int32(stateActive))
}

// Active reports whether the session currently accepts dispatch calls.
func (s *Session) Active() bool {
	return sessionState(s.state.Load()) == stateActive
}

// Done returns a channel closed when the session transitions to CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendFrame writes a single frame, serialized against concurrent writers
// by the codec's internal write mutex (§5 per-session write serialization).
func (s *Session) SendFrame(f *protocol.Frame) error {
	return s.codec.WriteFrame(f)
}

// Run starts the session's read loop and idle watchdog. It blocks until
// the control channel closes, in which case every outstanding waiter is
// resolved with ErrSessionClosed and every multiplexed socket is closed.
func (s *Session) Run() {
	go s.idleWatchdog()
	s.readLoop()
	s.Close()
}

// Close idempotently transitions the session to CLOSED, closing the
// control channel, resolving every pending request, and closing every
// multiplexed TCP socket (§3 invariants, §8 idempotence law).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.done)
		s.codec.Close()

		s.mu.Lock()
		for id, pr := range s.pending {
			close(pr.ch)
			delete(s.pending, id)
		}
		for id, entry := range s.tcp {
			entry.conn.Close()
			delete(s.tcp, id)
		}
		s.mu.Unlock()

		slog.Info("tunnel session closed", "tunnelId", s.id, "subdomain", s.subdomain)
	})
}

// DispatchHTTP implements §4.3's request/response correlation algorithm:
// allocate a fresh requestId, register a waiter, write the request frame,
// and wait for the matching response, a deadline, or session closure.
func (s *Session) DispatchHTTP(method, path string, headers map[string]string, body []byte, deadline time.Duration) (statusCode int, respHeaders map[string]string, respBody []byte, err error) {
	if !s.Active() {
		return 0, nil, nil, ErrSessionClosed
	}

	requestID := uuid.NewString()
	pr := &pendingRequest{ch: make(chan protocol.ResponsePayload, 1)}

	s.mu.Lock()
	s.pending[requestID] = pr
	s.mu.Unlock()

	encodedBody, encoding := protocol.EncodeBody(body)
	frame, ferr := protocol.NewFrame(protocol.TypeRequest, &protocol.RequestPayload{
		Method:       method,
		Path:         path,
		Headers:      headers,
		Body:         encodedBody,
		BodyEncoding: encoding,
	})
	if ferr != nil {
		s.removePending(requestID)
		return 0, nil, nil, fmt.Errorf("building request frame: %w", ferr)
	}
	frame.RequestID = requestID

	if err := s.codec.WriteFrame(frame); err != nil {
		s.removePending(requestID)
		return 0, nil, nil, fmt.Errorf("writing request frame: %w", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case payload, ok := <-pr.ch:
		if !ok {
			return 0, nil, nil, ErrSessionClosed
		}
		decoded, derr := protocol.DecodeBody(payload.Body, payload.BodyEncoding)
		if derr != nil {
			return 0, nil, nil, fmt.Errorf("decoding response body: %w", derr)
		}
		s.stats.RecordRequest()
		return payload.StatusCode, payload.Headers, decoded, nil
	case <-timer.C:
		s.removePending(requestID)
		return 0, nil, nil, ErrTimeout
	case <-s.done:
		return 0, nil, nil, ErrSessionClosed
	}
}

func (s *Session) removePending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// OpenTCPConnection registers a newly accepted public socket as a
// Multiplexed TCP Connection and notifies the agent via tcp_connect
// (§4.3 algorithm, §4.5).
func (s *Session) OpenTCPConnection(conn net.Conn, remoteAddr string, remotePort, localPort int) (string, error) {
	if !s.Active() {
		return "", ErrSessionClosed
	}
	connID := uuid.NewString()

	s.mu.Lock()
	s.tcp[connID] = &tcpEntry{conn: conn, openedAt: time.Now()}
	s.mu.Unlock()

	frame, err := protocol.NewFrame(protocol.TypeTCPConnect, &protocol.TCPConnectPayload{
		RemoteAddress: remoteAddr,
		RemotePort:    remotePort,
		LocalPort:     localPort,
	})
	if err != nil {
		s.dropTCP(connID)
		return "", fmt.Errorf("building tcp_connect frame: %w", err)
	}
	frame.ConnectionID = connID

	if err := s.codec.WriteFrame(frame); err != nil {
		s.dropTCP(connID)
		return "", fmt.Errorf("writing tcp_connect frame: %w", err)
	}
	s.stats.RecordTCPOpen()
	return connID, nil
}

// WriteTCP forwards bytes read from the public socket to the agent as a
// tcp_data frame.
func (s *Session) WriteTCP(connID string, data []byte) error {
	frame, err := protocol.NewFrame(protocol.TypeTCPData, &protocol.TCPDataPayload{Data: data})
	if err != nil {
		return fmt.Errorf("building tcp_data frame: %w", err)
	}
	frame.ConnectionID = connID
	if err := s.codec.WriteFrame(frame); err != nil {
		return fmt.Errorf("writing tcp_data frame: %w", err)
	}
	s.stats.RecordBytes(0, int64(len(data)))
	return nil
}

// CloseTCP sends a tcp_close frame for connID and removes the local
// table entry without touching the public socket (the caller, which
// owns the socket, closes it itself).
func (s *Session) CloseTCP(connID string) error {
	s.dropTCP(connID)
	frame := &protocol.Frame{Type: protocol.TypeTCPClose, ConnectionID: connID}
	return s.codec.WriteFrame(frame)
}

func (s *Session) dropTCP(connID string) {
	s.mu.Lock()
	delete(s.tcp, connID)
	s.mu.Unlock()
}

// tcpConn returns the public socket for connID, if the connection is
// still open.
func (s *Session) tcpConn(connID string) (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tcp[connID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// readLoop is the session's single reader: it consumes incoming frames
// and dispatches each to the pending-request table, the TCP table, or
// the liveness watchdog. No other goroutine reads from the codec.
func (s *Session) readLoop() {
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Info("tunnel read error, closing session", "tunnelId", s.id, "err", err)
			}
			return
		}
		s.lastFrameAt.Store(time.Now().UnixNano())

		switch frame.Type {
		case protocol.TypePing:
			if err := s.codec.WriteFrame(&protocol.Frame{Type: protocol.TypePong}); err != nil {
				slog.Error("failed to send pong", "tunnelId", s.id, "err", err)
				return
			}

		case protocol.TypeResponse:
			s.handleResponse(frame)

		case protocol.TypeTCPData:
			s.handleTCPData(frame)

		case protocol.TypeTCPClose:
			s.handleTCPClose(frame)

		case protocol.TypeTCPError:
			s.handleTCPError(frame)

		default:
			slog.Warn("unexpected frame type from agent", "tunnelId", s.id, "type", frame.Type)
		}
	}
}

func (s *Session) handleResponse(frame *protocol.Frame) {
	var payload protocol.ResponsePayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		slog.Warn("malformed response frame", "tunnelId", s.id, "err", err)
		return
	}

	s.mu.Lock()
	pr, ok := s.pending[frame.RequestID]
	if ok {
		delete(s.pending, frame.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Debug("discarding late response", "tunnelId", s.id, "requestId", frame.RequestID)
		return
	}
	select {
	case pr.ch <- payload:
	default:
	}
}

func (s *Session) handleTCPData(frame *protocol.Frame) {
	var payload protocol.TCPDataPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		slog.Warn("malformed tcp_data frame", "tunnelId", s.id, "err", err)
		return
	}
	conn, ok := s.tcpConn(frame.ConnectionID)
	if !ok {
		return
	}
	if _, err := conn.Write(payload.Data); err != nil {
		slog.Debug("writing to public socket failed", "tunnelId", s.id, "connectionId", frame.ConnectionID, "err", err)
		s.dropTCP(frame.ConnectionID)
		conn.Close()
		return
	}
	s.stats.RecordBytes(int64(len(payload.Data)), 0)
}

func (s *Session) handleTCPClose(frame *protocol.Frame) {
	conn, ok := s.tcpConn(frame.ConnectionID)
	if !ok {
		return
	}
	s.dropTCP(frame.ConnectionID)
	conn.Close()
}

func (s *Session) handleTCPError(frame *protocol.Frame) {
	var payload protocol.TCPErrorPayload
	_ = protocol.DecodePayload(frame, &payload)
	slog.Debug("agent reported tcp error", "tunnelId", s.id, "connectionId", frame.ConnectionID, "code", payload.Code, "message", payload.Message)
	s.handleTCPClose(frame)
}

// idleWatchdog treats prolonged read silence as a dead connection: if no
// frame (including heartbeat pings) arrives within the configured idle
// timeout, the session is closed (§4.3 Liveness). The idle timeout is its
// own setting and is not derived from any ping interval.
func (s *Session) idleWatchdog() {
	if s.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.idleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastFrameAt.Load())
			if time.Since(last) > s.idleTimeout {
				slog.Warn("tunnel session idle timeout, closing", "tunnelId", s.id, "subdomain", s.subdomain)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

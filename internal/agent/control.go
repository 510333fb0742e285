package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reverseproxy/internal/broker"
	"github.com/reverseproxy/internal/protocol"
)

// RegistrationError reports a "error" frame received in reply to a
// REGISTER, carrying the broker's machine-readable rejection code (e.g.
// "SUBDOMAIN_TAKEN") so callers can react to specific rejections instead
// of just the generic failure (§4.6 step 1, §8 scenario 4).
type RegistrationError struct {
	Code    string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %s: %s", e.Code, e.Message)
}

// ControlConn is a single connected session of the Agent control channel:
// one websocket connection, its REGISTER handshake result, the local
// HTTP forwarder, and (in tcp mode) the local TCP forwarder (§4.6).
type ControlConn struct {
	cfg       *Config
	codec     *protocol.Codec
	forward   *LocalForwarder
	tcpFwd    *TCPForwarder
	done      chan struct{}
	closeOnce sync.Once

	Registered protocol.RegisteredPayload
}

// dialControl dials the broker, performs the websocket upgrade (optionally
// through dialer), and runs the REGISTER handshake to completion.
func dialControl(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*ControlConn, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}
	if cfg.Broker.Insecure || cfg.Broker.CABundle != "" {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Broker.Insecure}
		if cfg.Broker.CABundle != "" {
			pool, err := loadCABundle(cfg.Broker.CABundle)
			if err != nil {
				return nil, fmt.Errorf("loading ca bundle: %w", err)
			}
			tlsConfig.RootCAs = pool
		}
		wsDialer.TLSClientConfig = tlsConfig
	}

	dialURL, err := controlURL(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}

	token := broker.GenerateToken(cfg.Auth.SharedSecret)
	q := dialURL.Query()
	q.Set("token", token)
	dialURL.RawQuery = q.Encode()

	slog.Info("connecting to broker", "url", dialURL.String())
	conn, _, err := wsDialer.DialContext(ctx, dialURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialling broker: %w", err)
	}

	cc := &ControlConn{
		cfg:     cfg,
		codec:   protocol.NewCodec(conn),
		forward: NewLocalForwarder(fmt.Sprintf("http://%s:%d", cfg.Local.Host, cfg.Local.Port), cfg.Tunnel.LocalRequestTimeout),
		done:    make(chan struct{}),
	}
	if cfg.Tunnel.Protocol == protocol.ProtocolTCP {
		cc.tcpFwd = NewTCPForwarder(localAddrFrom(cfg.Local.Host, cfg.Local.Port), cc.codec)
	}

	if err := cc.register(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return cc, nil
}

// register sends the "register" frame and waits for "registered" or
// "error", bounded by RegistrationTimeout (§4.6 step 1).
func (cc *ControlConn) register(ctx context.Context) error {
	frame, err := protocol.NewFrame(protocol.TypeRegister, &protocol.RegisterPayload{
		Subdomain:   cc.cfg.Tunnel.Subdomain,
		LocalPort:   cc.cfg.Local.Port,
		LocalHost:   cc.cfg.Local.Host,
		Password:    cc.cfg.Tunnel.Password,
		Protocol:    cc.cfg.Tunnel.Protocol,
		IPAllowList: cc.cfg.Tunnel.IPAllowList,
	})
	if err != nil {
		return fmt.Errorf("building register frame: %w", err)
	}
	if err := cc.codec.WriteFrame(frame); err != nil {
		return fmt.Errorf("writing register frame: %w", err)
	}

	replyCh := make(chan *protocol.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := cc.codec.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}()

	timeout := cc.cfg.Tunnel.RegistrationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("reading registration reply: %w", err)
	case reply := <-replyCh:
		switch reply.Type {
		case protocol.TypeRegistered:
			var payload protocol.RegisteredPayload
			if err := protocol.DecodePayload(reply, &payload); err != nil {
				return fmt.Errorf("decoding registered payload: %w", err)
			}
			cc.Registered = payload
			return nil
		case protocol.TypeError:
			var payload protocol.ErrorPayload
			_ = protocol.DecodePayload(reply, &payload)
			return &RegistrationError{Code: payload.Code, Message: payload.Message}
		default:
			return fmt.Errorf("unexpected frame %q while registering", reply.Type)
		}
	case <-timer.C:
		return fmt.Errorf("registration timeout: no reply within %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves frames from the broker until the control channel closes or
// ctx is cancelled. It blocks.
func (cc *ControlConn) Run(ctx context.Context, events EventSink) error {
	go cc.pingLoop(events)

	go func() {
		<-ctx.Done()
		cc.Close()
	}()

	for {
		frame, err := cc.codec.ReadFrame()
		if err != nil {
			select {
			case <-cc.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch frame.Type {
		case protocol.TypePing:
			if err := cc.codec.WriteFrame(&protocol.Frame{Type: protocol.TypePong}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case protocol.TypePong:
			// heartbeat liveness, nothing further to do

		case protocol.TypeRequest:
			go cc.handleRequest(frame, events)

		case protocol.TypeTCPConnect:
			cc.handleTCPConnect(frame)
		case protocol.TypeTCPData:
			cc.handleTCPData(frame)
		case protocol.TypeTCPClose:
			if cc.tcpFwd != nil {
				cc.tcpFwd.HandleClose(frame.ConnectionID)
			}
		case protocol.TypeTCPError:
			slog.Debug("broker reported tcp error", "connectionId", frame.ConnectionID)

		case protocol.TypeError:
			var payload protocol.ErrorPayload
			_ = protocol.DecodePayload(frame, &payload)
			slog.Warn("broker sent error frame", "code", payload.Code, "message", payload.Message)

		default:
			slog.Warn("unexpected frame type from broker", "type", frame.Type)
		}
	}
}

func (cc *ControlConn) handleRequest(frame *protocol.Frame, events EventSink) {
	var reqPayload protocol.RequestPayload
	if err := protocol.DecodePayload(frame, &reqPayload); err != nil {
		slog.Warn("malformed request frame", "err", err)
		return
	}

	resp := cc.forward.Forward(&reqPayload)

	if events != nil {
		events.Emit(Event{Kind: EventRequest, Method: reqPayload.Method, Path: reqPayload.Path, StatusCode: resp.StatusCode})
	}

	respFrame, err := protocol.NewFrame(protocol.TypeResponse, resp)
	if err != nil {
		slog.Error("failed to build response frame", "err", err)
		return
	}
	respFrame.RequestID = frame.RequestID
	if err := cc.codec.WriteFrame(respFrame); err != nil {
		slog.Error("failed to send response frame", "err", err)
	}
}

func (cc *ControlConn) handleTCPConnect(frame *protocol.Frame) {
	if cc.tcpFwd == nil {
		return
	}
	var payload protocol.TCPConnectPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		slog.Warn("malformed tcp_connect frame", "err", err)
		return
	}
	cc.tcpFwd.HandleConnect(frame.ConnectionID, &payload)
}

func (cc *ControlConn) handleTCPData(frame *protocol.Frame) {
	if cc.tcpFwd == nil {
		return
	}
	var payload protocol.TCPDataPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		slog.Warn("malformed tcp_data frame", "err", err)
		return
	}
	cc.tcpFwd.HandleData(frame.ConnectionID, payload.Data)
}

// pingLoop sends heartbeat pings at the configured interval; a write
// failure here indicates a dead connection and closes the control
// channel, which unblocks Run (§4.6 heartbeat).
func (cc *ControlConn) pingLoop(events EventSink) {
	interval := cc.cfg.Tunnel.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := cc.codec.WriteFrame(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				slog.Error("agent heartbeat ping failed", "err", err)
				cc.Close()
				return
			}
		case <-cc.done:
			return
		}
	}
}

// Close idempotently tears down the control channel and every
// multiplexed local TCP connection.
func (cc *ControlConn) Close() {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.codec.Close()
		if cc.tcpFwd != nil {
			cc.tcpFwd.CloseAll()
		}
	})
}

// Done returns a channel closed when the control connection shuts down.
func (cc *ControlConn) Done() <-chan struct{} { return cc.done }

// controlURL derives the websocket dial URL from the configured broker
// URL, accepting either an http(s) or ws(s) scheme.
func controlURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported broker url scheme: %s", u.Scheme)
	}
	return u, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

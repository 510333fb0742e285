package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/reverseproxy/internal/protocol"
)

// Server is the broker: it serves the control-channel upgrade endpoint
// for Agents and the public HTTP ingress for tunnel traffic, and owns
// the process-wide Registry and TCP Listener Manager.
type Server struct {
	cfg        *Config
	registry   *Registry
	ingress    *Ingress
	tcpManager *TCPListenerManager
	authorizer Authorizer
	sink       RequestLogSink
	upgrader   websocket.Upgrader
}

// NewServer creates a configured broker server. authorizer and sink may
// be nil, in which case a SharedSecretAuthorizer (if a secret is
// configured, else AllowAllAuthorizer) and NoopSink are used — the right
// defaults for standalone and test deployments (§1 external
// collaborators).
func NewServer(cfg *Config, authorizer Authorizer, sink RequestLogSink) *Server {
	if authorizer == nil {
		if cfg.Auth.SharedSecret != "" {
			authorizer = &SharedSecretAuthorizer{Secret: cfg.Auth.SharedSecret}
		} else {
			authorizer = AllowAllAuthorizer{}
		}
	}
	if sink == nil {
		sink = NoopSink{}
	}

	reserved := ReservedSet(cfg.Tunnel.ReservedSubdomains)
	registry := NewRegistry(
		NewSubdomainAllocator(reserved),
		NewPortAllocator(cfg.Tunnel.TCPPortRangeMin, cfg.Tunnel.TCPPortRangeMax),
	)

	return &Server{
		cfg:        cfg,
		registry:   registry,
		ingress:    NewIngress(registry, cfg.Tunnel.BaseDomain, cfg.Tunnel.RequestBodyCap, cfg.Tunnel.RequestTimeout, sink),
		tcpManager: NewTCPListenerManager(registry),
		authorizer: authorizer,
		sink:       sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the broker's Tunnel Registry, primarily for tests.
func (s *Server) Registry() *Registry { return s.registry }

// Run starts the broker server and blocks until it exits.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Tunnel.Path, s.handleTunnel)
	mux.Handle("/", s.ingress)

	slog.Info("broker server starting", "addr", s.cfg.Listen.Addr, "base_domain", s.cfg.Tunnel.BaseDomain, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.AutocertEnabled {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(s.cfg.TLS.AutocertCache),
			HostPolicy: s.autocertHostPolicy,
		}
		server := &http.Server{
			Addr:      s.cfg.Listen.Addr,
			Handler:   mux,
			TLSConfig: manager.TLSConfig(),
		}
		return server.ListenAndServeTLS("", "")
	}
	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(s.cfg.Listen.Addr, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, mux)
	}
	return http.ListenAndServe(s.cfg.Listen.Addr, mux)
}

// autocertHostPolicy issues certificates only for hosts with a live
// tunnel registered (see DESIGN.md).
func (s *Server) autocertHostPolicy(_ context.Context, host string) error {
	suffix := "." + s.cfg.Tunnel.BaseDomain
	if len(host) <= len(suffix) || host[len(host)-len(suffix):] != suffix {
		return fmt.Errorf("host %q is not a tunnel subdomain", host)
	}
	subdomain := host[:len(host)-len(suffix)]
	if _, ok := s.registry.Lookup(subdomain); !ok {
		return fmt.Errorf("no tunnel registered for subdomain %q", subdomain)
	}
	return nil
}

// handleTunnel handles websocket upgrade requests from agents and runs
// the REGISTER handshake (§4.3 state machine: NEW -> ACTIVE | CLOSED).
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	codec := protocol.NewCodec(conn)
	frame, err := codec.ReadFrame()
	if err != nil || frame.Type != protocol.TypeRegister {
		slog.Warn("expected register frame", "err", err, "remote", r.RemoteAddr)
		conn.Close()
		return
	}

	var reg protocol.RegisterPayload
	if err := protocol.DecodePayload(frame, &reg); err != nil {
		s.reject(codec, conn, "INVALID_REGISTER", err.Error())
		return
	}

	credentials := map[string]string{"token": tokenFromRequest(r)}
	result, err := s.authorizer.Authorize(reg.Subdomain, reg.Password, credentials)
	if err != nil {
		s.reject(codec, conn, "AUTHORIZER_ERROR", err.Error())
		return
	}
	if result.Decision == DecisionReject {
		s.reject(codec, conn, "REJECTED", result.Reason)
		return
	}

	desired := reg.Subdomain
	if result.Decision == DecisionReassign {
		desired = result.Subdomain
	}

	protoKind := protocol.ProtocolHTTP
	if reg.Protocol == protocol.ProtocolTCP {
		protoKind = protocol.ProtocolTCP
	}

	var passwordHash string
	if reg.Password != "" {
		passwordHash = HashPassword(reg.Password)
	}

	ipAllow, err := ParseIPAllowList(reg.IPAllowList)
	if err != nil {
		s.reject(codec, conn, "INVALID_IP_ALLOW_LIST", err.Error())
		return
	}

	sess := NewSession(conn, protoKind, passwordHash, ipAllow, s.cfg.Tunnel.IdleTimeout, s.sink)

	subdomain, err := s.registry.Register(desired, sess)
	if err != nil {
		code := "SUBDOMAIN_TAKEN"
		if desired == "" {
			code = "ALLOCATION_FAILED"
		}
		s.reject(codec, conn, code, err.Error())
		return
	}
	sess.SetSubdomain(subdomain)

	publicURL := fmt.Sprintf("https://%s.%s", subdomain, s.cfg.Tunnel.BaseDomain)
	var tcpPort int
	if protoKind == protocol.ProtocolTCP {
		tcpPort, err = s.tcpManager.Serve(sess, "0.0.0.0")
		if err != nil {
			s.registry.Unregister(sess)
			s.reject(codec, conn, "TCP_ALLOCATION_FAILED", err.Error())
			return
		}
		publicURL = fmt.Sprintf("tcp://%s:%d", hostOf(s.cfg.Listen.Addr), tcpPort)
	}

	registeredFrame, err := protocol.NewFrame(protocol.TypeRegistered, &protocol.RegisteredPayload{
		TunnelID:  sess.ID(),
		Subdomain: subdomain,
		PublicURL: publicURL,
		Protocol:  protoKind,
		TCPPort:   tcpPort,
	})
	if err != nil || sess.SendFrame(registeredFrame) != nil {
		s.registry.Unregister(sess)
		conn.Close()
		return
	}

	sess.Activate()
	slog.Info("tunnel registered", "tunnelId", sess.ID(), "subdomain", subdomain, "protocol", protoKind, "remote", r.RemoteAddr)

	go func() {
		sess.Run()
		s.registry.Unregister(sess)
	}()
}

func (s *Server) reject(codec *protocol.Codec, conn *websocket.Conn, code, message string) {
	frame, err := protocol.NewFrame(protocol.TypeError, &protocol.ErrorPayload{Code: code, Message: message})
	if err == nil {
		_ = codec.WriteFrame(frame)
	}
	conn.Close()
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("X-Auth-Token")
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "0.0.0.0"
	}
	return host
}

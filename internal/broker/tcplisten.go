package broker

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// tcpChunkSize bounds each read from a public socket before it is shipped
// as a tcp_data frame (§4.5, default 64 KiB).
const tcpChunkSize = 64 * 1024

// TCPListenerManager opens one public listener per TCP tunnel and
// multiplexes each accepted socket over the owning session's control
// channel (§4.5).
type TCPListenerManager struct {
	registry *Registry
}

// NewTCPListenerManager creates a manager bound to the given registry.
func NewTCPListenerManager(registry *Registry) *TCPListenerManager {
	return &TCPListenerManager{registry: registry}
}

// Serve allocates a port for sess, opens a public listener on it, and
// returns the port once the listener is open; connections are accepted
// in a separate goroutine until sess closes. The port is returned to the free pool only after the
// listener is closed and outstanding accepts have drained.
func (m *TCPListenerManager) Serve(sess *Session, host string) (port int, err error) {
	port, err = m.registry.AllocateTCPPort(sess)
	if err != nil {
		return 0, err
	}
	sess.SetTCPPort(port)

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		m.registry.Unregister(sess)
		return 0, err
	}

	go m.acceptLoop(sess, listener)
	return port, nil
}

func (m *TCPListenerManager) acceptLoop(sess *Session, listener net.Listener) {
	go func() {
		<-sess.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.handleConn(sess, conn)
		}()
	}
	wg.Wait()
	slog.Info("tcp listener closed, port drained", "tunnelId", sess.ID(), "port", sess.TCPPort())
}

func (m *TCPListenerManager) handleConn(sess *Session, conn net.Conn) {
	defer conn.Close()

	host, portStr, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
	remotePort := 0
	if splitErr == nil {
		if p, convErr := strconv.Atoi(portStr); convErr == nil {
			remotePort = p
		}
	} else {
		host = conn.RemoteAddr().String()
	}

	connID, err := sess.OpenTCPConnection(conn, host, remotePort, sess.TCPPort())
	if err != nil {
		slog.Warn("failed to open multiplexed tcp connection", "tunnelId", sess.ID(), "err", err)
		return
	}

	closeOnce := newOnceCloser(sess, connID)
	defer closeOnce.close()

	buf := make([]byte, tcpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := sess.WriteTCP(connID, append([]byte(nil), buf[:n]...)); werr != nil {
				slog.Debug("forwarding tcp bytes to agent failed", "tunnelId", sess.ID(), "connectionId", connID, "err", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("public socket read error", "tunnelId", sess.ID(), "connectionId", connID, "err", err)
			}
			return
		}
	}
}

// onceCloser ensures handleConn sends at most one tcp_close frame for its
// connection, when the public-side reader stops (EOF, a read error, or the
// socket being closed by handleTCPClose). The frame is sent even when the
// agent closed the connection first (§4.5).
type onceCloser struct {
	sess   *Session
	connID string
	done   chan struct{}
}

func newOnceCloser(sess *Session, connID string) *onceCloser {
	return &onceCloser{sess: sess, connID: connID, done: make(chan struct{})}
}

func (c *onceCloser) close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	if err := c.sess.CloseTCP(c.connID); err != nil {
		slog.Debug("sending tcp_close failed", "tunnelId", c.sess.ID(), "connectionId", c.connID, "err", err)
	}
}

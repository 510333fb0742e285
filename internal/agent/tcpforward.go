package agent

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/reverseproxy/internal/protocol"
)

// tcpChunkSize bounds each read from a local socket before it is shipped
// as a tcp_data frame, mirroring the Broker's public-side chunk size (§4.5).
const tcpChunkSize = 64 * 1024

// frameSender is the subset of the control connection a TCPForwarder
// needs to emit frames; *protocol.Codec satisfies it.
type frameSender interface {
	WriteFrame(*protocol.Frame) error
}

// TCPForwarder dials the agent's local TCP target once per tcp_connect
// frame and shuttles bytes for that Multiplexed TCP Connection until
// either side closes it (§4.5, agent side).
type TCPForwarder struct {
	localAddr string
	sender    frameSender

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewTCPForwarder creates a forwarder dialing host:port for every
// accepted connection.
func NewTCPForwarder(localAddr string, sender frameSender) *TCPForwarder {
	return &TCPForwarder{
		localAddr: localAddr,
		sender:    sender,
		conns:     make(map[string]net.Conn),
	}
}

// HandleConnect dials the local target for a newly announced connection
// and starts shuttling its bytes back to the broker. On dial failure it
// reports tcp_error followed by tcp_close, per the agent-side contract.
func (f *TCPForwarder) HandleConnect(connID string, payload *protocol.TCPConnectPayload) {
	conn, err := net.Dial("tcp", f.localAddr)
	if err != nil {
		slog.Warn("local tcp dial failed", "connectionId", connID, "target", f.localAddr, "err", err)
		f.sendError(connID, "DIAL_FAILED", err.Error())
		f.sendClose(connID)
		return
	}

	f.mu.Lock()
	f.conns[connID] = conn
	f.mu.Unlock()

	go f.readLoop(connID, conn)
}

// HandleData writes broker-forwarded bytes to the local socket.
func (f *TCPForwarder) HandleData(connID string, data []byte) {
	conn, ok := f.get(connID)
	if !ok {
		return
	}
	if _, err := conn.Write(data); err != nil {
		slog.Debug("writing to local tcp socket failed", "connectionId", connID, "err", err)
		f.drop(connID)
		conn.Close()
	}
}

// HandleClose closes the local socket for connID, idempotently.
func (f *TCPForwarder) HandleClose(connID string) {
	conn, ok := f.get(connID)
	if !ok {
		return
	}
	f.drop(connID)
	conn.Close()
}

// CloseAll tears down every open local socket, called when the control
// connection itself is closing.
func (f *TCPForwarder) CloseAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = make(map[string]net.Conn)
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (f *TCPForwarder) readLoop(connID string, conn net.Conn) {
	buf := make([]byte, tcpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame, ferr := protocol.NewFrame(protocol.TypeTCPData, &protocol.TCPDataPayload{Data: append([]byte(nil), buf[:n]...)})
			if ferr == nil {
				frame.ConnectionID = connID
				if werr := f.sender.WriteFrame(frame); werr != nil {
					slog.Debug("sending tcp_data to broker failed", "connectionId", connID, "err", werr)
					break
				}
			}
		}
		if err != nil {
			break
		}
	}
	f.drop(connID)
	conn.Close()
	f.sendClose(connID)
}

func (f *TCPForwarder) get(connID string) (net.Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[connID]
	return conn, ok
}

func (f *TCPForwarder) drop(connID string) {
	f.mu.Lock()
	delete(f.conns, connID)
	f.mu.Unlock()
}

func (f *TCPForwarder) sendError(connID, code, message string) {
	frame, err := protocol.NewFrame(protocol.TypeTCPError, &protocol.TCPErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	frame.ConnectionID = connID
	if err := f.sender.WriteFrame(frame); err != nil {
		slog.Debug("sending tcp_error to broker failed", "connectionId", connID, "err", err)
	}
}

func (f *TCPForwarder) sendClose(connID string) {
	frame := &protocol.Frame{Type: protocol.TypeTCPClose, ConnectionID: connID}
	if err := f.sender.WriteFrame(frame); err != nil {
		slog.Debug("sending tcp_close to broker failed", "connectionId", connID, "err", err)
	}
}

func localAddrFrom(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

package broker

import "sync/atomic"

// Stats holds the per-tunnel counters a Tunnel Session exposes through
// Session.Stats (§3 `stats` field). The counters are not published to the
// RequestLog Sink.
type Stats struct {
	requestsTotal  atomic.Int64
	tcpConnsTotal  atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
}

// RecordRequest increments the completed-request counter.
func (s *Stats) RecordRequest() {
	s.requestsTotal.Add(1)
}

// RecordTCPOpen increments the opened-connections counter.
func (s *Stats) RecordTCPOpen() {
	s.tcpConnsTotal.Add(1)
}

// RecordBytes adds to the in/out byte counters.
func (s *Stats) RecordBytes(in, out int64) {
	if in > 0 {
		s.bytesIn.Add(in)
	}
	if out > 0 {
		s.bytesOut.Add(out)
	}
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	RequestsTotal int64
	TCPConnsTotal int64
	BytesIn       int64
	BytesOut      int64
}

// Snapshot reads the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal: s.requestsTotal.Load(),
		TCPConnsTotal: s.tcpConnsTotal.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
	}
}

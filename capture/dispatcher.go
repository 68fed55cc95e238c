package capture

import (
	"sync"

	"github.com/epli2/phantom/capture/http1"
	"github.com/epli2/phantom/capture/http2"
	"github.com/epli2/phantom/capture/mysql"
	"github.com/epli2/phantom/trace"
)

// DefaultMySQLPort is the default MySQL destination port, overridable via
// PHANTOM_MYSQL_PORT.
const DefaultMySQLPort = mysql.DefaultPort

// Dispatcher holds the single guarded map from connection identifier to
// state, behind one coarse-grained mutex. Its three entry points mirror
// the shims' three observation points: outgoing bytes, incoming bytes, and
// teardown.
type Dispatcher struct {
	mu        sync.Mutex
	conns     map[ConnID]*connState
	pending   map[ConnID][]byte
	sink      EventSink
	mysqlPort int
}

// NewDispatcher returns a dispatcher that emits completed traces to sink and
// treats connect(2) calls to mysqlPort as MySQL connections.
func NewDispatcher(sink EventSink, mysqlPort int) *Dispatcher {
	if mysqlPort == 0 {
		mysqlPort = DefaultMySQLPort
	}
	return &Dispatcher{
		conns:     map[ConnID]*connState{},
		pending:   map[ConnID][]byte{},
		sink:      sink,
		mysqlPort: mysqlPort,
	}
}

// OnConnect records a connect(2) observation. If port matches the
// configured MySQL port, the identifier is bound to a fresh MySQL state
// carrying the formatted destination address. This is the only protocol
// selected by destination rather than content sniff.
func (d *Dispatcher) OnConnect(id ConnID, destAddr string, port int) {
	if port != d.mysqlPort {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, bound := d.conns[id]; bound {
		return
	}
	d.conns[id] = &connState{kind: KindMySQL, mysql: mysql.New(destAddr)}
}

// ProcessOutgoing routes an outgoing (request-direction) byte chunk to the
// correct reassembler, allocating connection state on first contributing
// byte chunk if necessary. tls records whether this connection was
// observed via a TLS shim, used both to pick the HTTP URL scheme and, in
// the future, to distinguish the two halves of the merged fd /
// TLS-session-pointer key space.
func (d *Dispatcher) ProcessOutgoing(id ConnID, b []byte, tls bool, destAddr string) {
	d.mu.Lock()
	cs, existing := d.conns[id]
	if !existing {
		if prefix, ok := d.pending[id]; ok {
			b = append(append([]byte(nil), prefix...), b...)
			delete(d.pending, id)
		}
		cs = d.allocateOutgoing(id, b, tls, destAddr)
	}
	if cs == nil {
		d.mu.Unlock()
		return
	}
	switch cs.kind {
	case KindHTTP2:
		cs.http2.ProcessOutgoing(b)
		d.mu.Unlock()
	case KindMySQL:
		cs.mysql.ProcessOutgoing(b)
		d.mu.Unlock()
	case KindCollectingRequest, KindCollectingResponseHTTP1:
		scheme := "http"
		if cs.tls {
			scheme = "https"
		}
		cs.http1.ProcessOutgoing(b, destAddr, scheme)
		d.updateHTTP1Kind(cs)
		d.mu.Unlock()
	default:
		d.mu.Unlock()
	}
}

// maxPendingPrefix bounds the carried-over prefix kept for a connection
// whose first outgoing bytes matched nothing yet but might still grow into
// a recognizable preface or request line on the next chunk. It is sized to
// the longest thing allocateOutgoing ever compares against: the 24-byte
// HTTP/2 client preface.
const maxPendingPrefix = len(http2.ClientPreface)

// allocateOutgoing selects a protocol for a previously unbound identifier:
// HTTP/2 preface, else HTTP/1 request-line sniff, else drop. ProcessOutgoing
// has already prefixed b with any bytes left over from a prior inconclusive
// call on the same id, and feeds the same combined bytes to the reassembler.
// A chunk that is too short to rule out either match (a send() landing
// mid-preface or mid-method-token) is held in d.pending instead of being
// dropped, so the next chunk on id is tried against the combined bytes.
// Must be called with d.mu held; returns the newly allocated state (or nil
// if nothing was allocated this call).
func (d *Dispatcher) allocateOutgoing(id ConnID, b []byte, tls bool, destAddr string) *connState {
	switch {
	case http2.IsClientPreface(b):
		cs := &connState{kind: KindHTTP2, tls: tls, http2: http2.NewConn(tls, destAddr)}
		d.conns[id] = cs
		return cs
	case http1.LooksLikeRequestLine(b):
		cs := &connState{kind: KindCollectingRequest, tls: tls, http1: http1.New()}
		d.conns[id] = cs
		return cs
	case len(b) < maxPendingPrefix && (couldBecomePreface(b) || couldBecomeRequestLine(b)):
		d.pending[id] = b
		return nil
	default:
		return nil
	}
}

// couldBecomePreface reports whether b is a proper prefix of the HTTP/2
// client preface, i.e. more bytes could still complete the match.
func couldBecomePreface(b []byte) bool {
	if len(b) >= len(http2.ClientPreface) {
		return false
	}
	return http2.ClientPreface[:len(b)] == string(b)
}

// couldBecomeRequestLine reports whether b is a proper prefix of some
// recognized method token followed by a space, i.e. more bytes could still
// turn it into a match for http1.LooksLikeRequestLine.
func couldBecomeRequestLine(b []byte) bool {
	for _, m := range trace.HTTPMethods {
		if len(b) < len(m) && m[:len(b)] == string(b) {
			return true
		}
		if len(b) == len(m) && string(b) == m {
			return true
		}
	}
	return false
}

// ProcessIncoming routes an incoming (response-direction) byte chunk to the
// bound reassembler and emits every trace it completes.
func (d *Dispatcher) ProcessIncoming(id ConnID, b []byte) {
	d.mu.Lock()
	cs, ok := d.conns[id]
	if !ok {
		d.mu.Unlock()
		return
	}

	switch cs.kind {
	case KindHTTP2:
		traces := cs.http2.ProcessIncoming(b)
		d.mu.Unlock()
		for _, tr := range traces {
			d.sink.EmitHTTP(tr)
		}
	case KindMySQL:
		traces := cs.mysql.ProcessIncoming(b)
		d.mu.Unlock()
		for _, tr := range traces {
			d.sink.EmitMySQL(tr)
		}
	case KindCollectingRequest, KindCollectingResponseHTTP1:
		tr, done := cs.http1.ProcessIncoming(b)
		d.updateHTTP1Kind(cs)
		d.mu.Unlock()
		if done {
			d.sink.EmitHTTP(tr)
		}
	default:
		d.mu.Unlock()
	}
}

// updateHTTP1Kind keeps the map-visible Kind label in sync with the
// http1.State's own internal request/response phase. Purely observational:
// both kinds dispatch identically. Must be called with d.mu held.
func (d *Dispatcher) updateHTTP1Kind(cs *connState) {
	if cs.http1.CollectingResponse() {
		cs.kind = KindCollectingResponseHTTP1
	} else {
		cs.kind = KindCollectingRequest
	}
}

// ProcessTeardown handles connection close or TLS session free: it emits
// any best-effort partial trace and removes the identifier from the map.
func (d *Dispatcher) ProcessTeardown(id ConnID) {
	d.mu.Lock()
	delete(d.pending, id)
	cs, ok := d.conns[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, id)

	switch cs.kind {
	case KindHTTP2:
		traces := cs.http2.Teardown()
		d.mu.Unlock()
		for _, tr := range traces {
			d.sink.EmitHTTP(tr)
		}
	case KindMySQL:
		tr, done := cs.mysql.Teardown()
		d.mu.Unlock()
		if done {
			d.sink.EmitMySQL(tr)
		}
	case KindCollectingRequest, KindCollectingResponseHTTP1:
		tr, done := cs.http1.Teardown()
		d.mu.Unlock()
		if done {
			d.sink.EmitHTTP(tr)
		}
	default:
		d.mu.Unlock()
	}
}

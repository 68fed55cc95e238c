// Package capture implements the connection-state dispatcher: a single
// guarded map from connection identifier to a tagged-union connection
// state, routing each observed byte chunk to the HTTP/1, HTTP/2 or MySQL
// reassembler and emitting completed traces through an EventSink.
package capture

import (
	"github.com/epli2/phantom/capture/http1"
	"github.com/epli2/phantom/capture/http2"
	"github.com/epli2/phantom/capture/mysql"
	"github.com/epli2/phantom/trace"
)

// ConnID uniquely identifies one live transport-layer connection for the
// agent's lifetime. It merges two disjoint subranges into one key space:
// small integers (file descriptors) and pointer-sized values (TLS session
// object addresses). On 64-bit platforms in practice these never collide.
type ConnID uintptr

// Kind discriminates the four connection-state variants. The dispatcher
// must exhaustively match on this; do not model it with a subtype
// hierarchy.
type Kind int

const (
	// KindNone means the identifier has no bound state yet.
	KindNone Kind = iota
	KindCollectingRequest
	KindCollectingResponseHTTP1
	KindHTTP2
	KindMySQL
)

// connState is the tagged union backing one map entry. Exactly one of the
// *State fields is meaningful, selected by kind.
type connState struct {
	kind Kind

	tls bool // true if this connection was observed via a TLS shim

	http1 *http1.State
	http2 *http2.Conn
	mysql *mysql.Conn
}

// EventSink receives completed traces as they are emitted. Implementations
// must not block for long; the dispatcher calls these synchronously on the
// thread that observed the triggering bytes, outside the connection-map
// lock.
type EventSink interface {
	EmitHTTP(trace.HTTPTrace)
	EmitMySQL(trace.MySQLTrace)
}

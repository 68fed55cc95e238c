// Package agent holds the process-wide capture entry point the cgo shims in
// cmd/phantom-agent call into: the reentrancy guard, the ambient IPC sender,
// and the conversion from a completed trace.HTTPTrace/trace.MySQLTrace into
// a wire datagram.
package agent

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/epli2/phantom/capture"
	"github.com/epli2/phantom/trace"
	"github.com/epli2/phantom/wire"
)

// Agent is the single process-wide instance the exported cgo functions hold
// a reference to. Its On* methods are the shims' only contact with capture
// logic; every one of them first checks the reentrancy guard.
type Agent struct {
	guard      *reentrancyGuard
	ipc        *ipcSender
	dispatcher *capture.Dispatcher
}

// New constructs an Agent that treats mysqlPort (0 meaning the default) as
// the MySQL destination port.
func New(mysqlPort int) *Agent {
	a := &Agent{
		guard: newReentrancyGuard(),
		ipc:   newIPCSender(),
	}
	a.dispatcher = capture.NewDispatcher(a, mysqlPort)
	return a
}

// OnConnect is called from the connect(2) interposer once the real call has
// succeeded, recording the destination for MySQL port selection.
func (a *Agent) OnConnect(id capture.ConnID, destAddr string, port int) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.OnConnect(id, destAddr, port)
}

// OnSend is called from the libc send() interposer with the bytes the real
// send() just wrote on a plaintext connection, after it returned a positive
// count.
func (a *Agent) OnSend(id capture.ConnID, b []byte, destAddr string) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessOutgoing(id, b, false, destAddr)
}

// OnRecv is called from the libc recv() interposer with the bytes the real
// recv() just returned on a plaintext connection.
func (a *Agent) OnRecv(id capture.ConnID, b []byte) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessIncoming(id, b)
}

// OnClose is called from the close(2) interposer before the real close()
// runs, emitting any best-effort partial trace.
func (a *Agent) OnClose(id capture.ConnID) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessTeardown(id)
}

// OnTLSWrite is called from the TLS library's write-equivalent interposer
// with the plaintext the real call just accepted for encryption and sending.
func (a *Agent) OnTLSWrite(id capture.ConnID, b []byte, destAddr string) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessOutgoing(id, b, true, destAddr)
}

// OnTLSRead is called from the TLS library's read-equivalent interposer with
// the plaintext the real call just decrypted.
func (a *Agent) OnTLSRead(id capture.ConnID, b []byte) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessIncoming(id, b)
}

// OnTLSFree is called from the TLS session-free interposer before the real
// free runs: emission must happen here, since the session pointer (and any
// state keyed on it) stops being valid the instant the real free returns.
func (a *Agent) OnTLSFree(id capture.ConnID) {
	if !a.guard.Enter() {
		return
	}
	defer a.guard.Leave()
	a.dispatcher.ProcessTeardown(id)
}

// EmitHTTP implements capture.EventSink, converting a completed HTTP trace
// into a wire datagram and handing it to the IPC sender. It never blocks and
// never returns an error: a send failure or an oversize datagram is simply
// dropped rather than truncated.
func (a *Agent) EmitHTTP(tr trace.HTTPTrace) {
	msg := wire.HTTPMessage{
		Method:          tr.Method.String(),
		URL:             tr.URL,
		StatusCode:      tr.StatusCode,
		RequestHeaders:  tr.RequestHeaders,
		ResponseHeaders: tr.ResponseHeaders,
		DurationMs:      durationMs(tr.Duration),
		TimestampMs:     tr.Timestamp.UnixMilli(),
		DestAddr:        tr.DestAddr,
		ProtocolVersion: tr.ProtocolVersion,
	}
	if tr.RequestBody != nil {
		msg.RequestBodyB64 = base64.StdEncoding.EncodeToString(tr.RequestBody)
	}
	if tr.ResponseBody != nil {
		msg.ResponseBodyB64 = base64.StdEncoding.EncodeToString(tr.ResponseBody)
	}
	a.send(msg)
}

// EmitMySQL implements capture.EventSink for MySQL traces.
func (a *Agent) EmitMySQL(tr trace.MySQLTrace) {
	msg := wire.MySQLMessage{
		MsgType:     "mysql",
		Query:       tr.Query,
		DurationMs:  durationMs(tr.Duration),
		TimestampMs: tr.Timestamp.UnixMilli(),
		DestAddr:    tr.DestAddr,
		DBName:      tr.DBName,
	}
	switch tr.ResponseKind {
	case trace.MySQLResponseOK:
		msg.AffectedRows = &tr.AffectedRows
		msg.LastInsertID = &tr.LastInsertID
		msg.Warnings = &tr.Warnings
	case trace.MySQLResponseResultSet:
		msg.ColumnCount = &tr.ColumnCount
		msg.RowCount = &tr.RowCount
	case trace.MySQLResponseErr:
		msg.ErrorCode = &tr.ErrorCode
		msg.SQLState = tr.SQLState
		msg.ErrorMessage = tr.ErrorMessage
	}
	a.send(msg)
}

func (a *Agent) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if len(b) > wire.MaxDatagramBytes {
		return
	}
	a.ipc.send(b)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Package wire defines the agent→collector JSON datagram schemas and the
// decode step that turns a raw datagram into a trace.HTTPTrace or
// trace.MySQLTrace, generating identifiers the agent did not supply.
package wire

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epli2/phantom/trace"
)

// MaxDatagramBytes is the hard per-datagram cap: larger serialised records
// are dropped rather than truncated.
const MaxDatagramBytes = 60 * 1024

// MaxBodyBytes is the hard per-trace body capture cap.
const MaxBodyBytes = 16 * 1024

// HTTPMessage is the wire shape of an HTTP trace datagram. A message with
// an empty or non-"mysql" MsgType is an HTTPMessage.
type HTTPMessage struct {
	MsgType string `json:"msg_type,omitempty"`

	Method          string            `json:"method"`
	URL             string            `json:"url"`
	StatusCode      int               `json:"status_code"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestBodyB64  string            `json:"request_body_b64,omitempty"`
	ResponseBodyB64 string            `json:"response_body_b64,omitempty"`
	DurationMs      float64           `json:"duration_ms"`
	TimestampMs     int64             `json:"timestamp_ms"`
	DestAddr        string            `json:"dest_addr,omitempty"`
	ProtocolVersion string            `json:"protocol_version"`

	// SpanIDHex and TraceIDHex are optional; the collector generates fresh
	// identifiers when the agent leaves them empty.
	SpanIDHex  string `json:"span_id,omitempty"`
	TraceIDHex string `json:"trace_id,omitempty"`
}

// MySQLMessage is the wire shape of a MySQL trace datagram, discriminated
// by MsgType == "mysql".
type MySQLMessage struct {
	MsgType string `json:"msg_type"`

	Query       string  `json:"query"`
	DurationMs  float64 `json:"duration_ms"`
	TimestampMs int64   `json:"timestamp_ms"`
	DestAddr    string  `json:"dest_addr,omitempty"`
	DBName      string  `json:"db_name,omitempty"`

	AffectedRows *uint64 `json:"affected_rows,omitempty"`
	LastInsertID *uint64 `json:"last_insert_id,omitempty"`
	Warnings     *uint16 `json:"warnings,omitempty"`

	ColumnCount *uint64 `json:"column_count,omitempty"`
	RowCount    *uint64 `json:"row_count,omitempty"`

	ErrorCode    *uint16 `json:"error_code,omitempty"`
	SQLState     string  `json:"sql_state,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	SpanIDHex  string `json:"span_id,omitempty"`
	TraceIDHex string `json:"trace_id,omitempty"`
}

type probe struct {
	MsgType string `json:"msg_type"`
}

// IsMySQL inspects the msg_type discriminating field without fully decoding
// the datagram.
func IsMySQL(datagram []byte) bool {
	var p probe
	if err := json.Unmarshal(datagram, &p); err != nil {
		return false
	}
	return p.MsgType == "mysql"
}

// DecodeHTTP parses an HTTP wire message and converts it to a trace.HTTPTrace,
// generating a span/trace ID if the agent did not supply one.
func DecodeHTTP(datagram []byte) (trace.HTTPTrace, error) {
	var m HTTPMessage
	if err := json.Unmarshal(datagram, &m); err != nil {
		return trace.HTTPTrace{}, fmt.Errorf("wire: decode http message: %w", err)
	}

	method, _ := trace.ParseHTTPMethod(m.Method)

	var reqBody, respBody []byte
	if m.RequestBodyB64 != "" {
		if b, err := base64.StdEncoding.DecodeString(m.RequestBodyB64); err == nil {
			reqBody = capBody(b)
		}
	}
	if m.ResponseBodyB64 != "" {
		if b, err := base64.StdEncoding.DecodeString(m.ResponseBodyB64); err == nil {
			respBody = capBody(b)
		}
	}

	return trace.HTTPTrace{
		SpanID:          decodeOrNewSpanID(m.SpanIDHex),
		TraceID:         decodeOrNewTraceID(m.TraceIDHex),
		Method:          method,
		URL:             m.URL,
		RequestHeaders:  nonNilHeaders(m.RequestHeaders),
		RequestBody:     reqBody,
		StatusCode:      m.StatusCode,
		ResponseHeaders: nonNilHeaders(m.ResponseHeaders),
		ResponseBody:    respBody,
		Timestamp:       sanitizeTimestamp(m.TimestampMs),
		Duration:        time.Duration(m.DurationMs * float64(time.Millisecond)),
		DestAddr:        m.DestAddr,
		ProtocolVersion: m.ProtocolVersion,
	}, nil
}

// DecodeMySQL parses a MySQL wire message and converts it to a
// trace.MySQLTrace, generating a span/trace ID if the agent did not supply
// one, and inferring the response kind by priority: error_code present =>
// Err; else column_count present => ResultSet; else Ok.
func DecodeMySQL(datagram []byte) (trace.MySQLTrace, error) {
	var m MySQLMessage
	if err := json.Unmarshal(datagram, &m); err != nil {
		return trace.MySQLTrace{}, fmt.Errorf("wire: decode mysql message: %w", err)
	}

	out := trace.MySQLTrace{
		SpanID:    decodeOrNewSpanID(m.SpanIDHex),
		TraceID:   decodeOrNewTraceID(m.TraceIDHex),
		Query:     m.Query,
		Timestamp: sanitizeTimestamp(m.TimestampMs),
		Duration:  time.Duration(m.DurationMs * float64(time.Millisecond)),
		DestAddr:  m.DestAddr,
		DBName:    m.DBName,
	}

	switch {
	case m.ErrorCode != nil:
		out.ResponseKind = trace.MySQLResponseErr
		out.ErrorCode = *m.ErrorCode
		out.SQLState = m.SQLState
		out.ErrorMessage = m.ErrorMessage
	case m.ColumnCount != nil:
		out.ResponseKind = trace.MySQLResponseResultSet
		out.ColumnCount = *m.ColumnCount
		if m.RowCount != nil {
			out.RowCount = *m.RowCount
		}
	default:
		out.ResponseKind = trace.MySQLResponseOK
		if m.AffectedRows != nil {
			out.AffectedRows = *m.AffectedRows
		}
		if m.LastInsertID != nil {
			out.LastInsertID = *m.LastInsertID
		}
		if m.Warnings != nil {
			out.Warnings = *m.Warnings
		}
	}

	return out, nil
}

func capBody(b []byte) []byte {
	if len(b) > MaxBodyBytes {
		return b[:MaxBodyBytes]
	}
	return b
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

// sanitizeTimestamp guards against a pre-epoch or zero timestamp the way
// the original implementation's agent_trace_to_http_trace does, falling
// back to "now".
func sanitizeTimestamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func decodeOrNewSpanID(hexStr string) trace.SpanID {
	if hexStr == "" {
		return trace.NewSpanID()
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 8 {
		return trace.NewSpanID()
	}
	var id trace.SpanID
	copy(id[:], b)
	return id
}

func decodeOrNewTraceID(hexStr string) trace.TraceID {
	if hexStr == "" {
		return traceIDFromUUID()
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 16 {
		return traceIDFromUUID()
	}
	var id trace.TraceID
	copy(id[:], b)
	return id
}

// traceIDFromUUID generates a fresh 128-bit trace ID using the same random
// identifier generator the donor repository uses for transaction IDs
// (proxy/postgres/conn.go's use of google/uuid), reused here for trace IDs
// since both are 128-bit random identifiers.
func traceIDFromUUID() trace.TraceID {
	return trace.TraceID(uuid.New())
}

package wire

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/epli2/phantom/trace"
)

func TestIsMySQLDiscriminatesByMsgType(t *testing.T) {
	httpMsg, _ := json.Marshal(HTTPMessage{Method: "GET", URL: "/"})
	if IsMySQL(httpMsg) {
		t.Fatal("HTTP message misclassified as MySQL")
	}

	mysqlMsg, _ := json.Marshal(MySQLMessage{MsgType: "mysql", Query: "select 1"})
	if !IsMySQL(mysqlMsg) {
		t.Fatal("MySQL message not recognized")
	}
}

func TestIsMySQLRejectsMalformedDatagram(t *testing.T) {
	if IsMySQL([]byte("not json")) {
		t.Fatal("malformed datagram should not classify as MySQL")
	}
}

func TestDecodeHTTPAssignsFreshIDsWhenAbsent(t *testing.T) {
	raw, _ := json.Marshal(HTTPMessage{
		Method:          "POST",
		URL:             "/widgets",
		StatusCode:      201,
		RequestHeaders:  map[string]string{"content-type": "application/json"},
		ResponseHeaders: map[string]string{"content-type": "application/json"},
		DurationMs:      12.5,
		TimestampMs:     1700000000000,
		ProtocolVersion: "HTTP/1.1",
	})

	tr, err := DecodeHTTP(raw)
	if err != nil {
		t.Fatalf("DecodeHTTP: %v", err)
	}
	if tr.SpanID.IsZero() {
		t.Fatal("expected a generated span ID")
	}
	if tr.TraceID.IsZero() {
		t.Fatal("expected a generated trace ID")
	}
	if tr.Method != trace.MethodPost {
		t.Fatalf("Method = %v, want POST", tr.Method)
	}
	if tr.StatusCode != 201 {
		t.Fatalf("StatusCode = %d, want 201", tr.StatusCode)
	}
}

func TestDecodeHTTPPreservesSuppliedIDs(t *testing.T) {
	span := trace.NewSpanID()
	tid := trace.NewTraceID()
	raw, _ := json.Marshal(HTTPMessage{
		Method:     "GET",
		URL:        "/",
		SpanIDHex:  span.String(),
		TraceIDHex: tid.String(),
	})

	tr, err := DecodeHTTP(raw)
	if err != nil {
		t.Fatalf("DecodeHTTP: %v", err)
	}
	if tr.SpanID != span {
		t.Fatalf("SpanID = %v, want %v", tr.SpanID, span)
	}
	if tr.TraceID != tid {
		t.Fatalf("TraceID = %v, want %v", tr.TraceID, tid)
	}
}

func TestDecodeHTTPDecodesBodiesAndCapsOversize(t *testing.T) {
	big := make([]byte, MaxBodyBytes+500)
	for i := range big {
		big[i] = byte(i)
	}
	raw, _ := json.Marshal(HTTPMessage{
		Method:         "POST",
		URL:            "/",
		RequestBodyB64: base64.StdEncoding.EncodeToString(big),
	})

	tr, err := DecodeHTTP(raw)
	if err != nil {
		t.Fatalf("DecodeHTTP: %v", err)
	}
	if len(tr.RequestBody) != MaxBodyBytes {
		t.Fatalf("RequestBody length = %d, want %d", len(tr.RequestBody), MaxBodyBytes)
	}
}

func TestDecodeHTTPNonPositiveTimestampFallsBackToNow(t *testing.T) {
	raw, _ := json.Marshal(HTTPMessage{Method: "GET", URL: "/", TimestampMs: 0})
	tr, err := DecodeHTTP(raw)
	if err != nil {
		t.Fatalf("DecodeHTTP: %v", err)
	}
	if tr.Timestamp.IsZero() {
		t.Fatal("expected a non-zero fallback timestamp")
	}
}

func TestDecodeMySQLInfersErrKind(t *testing.T) {
	code := uint16(1064)
	raw, _ := json.Marshal(MySQLMessage{
		MsgType:      "mysql",
		Query:        "select * from bogus",
		ErrorCode:    &code,
		SQLState:     "42000",
		ErrorMessage: "syntax error",
	})

	tr, err := DecodeMySQL(raw)
	if err != nil {
		t.Fatalf("DecodeMySQL: %v", err)
	}
	if tr.ResponseKind != trace.MySQLResponseErr {
		t.Fatalf("ResponseKind = %v, want Err", tr.ResponseKind)
	}
	if tr.ErrorCode != 1064 || tr.SQLState != "42000" {
		t.Fatalf("unexpected error fields: %+v", tr)
	}
}

func TestDecodeMySQLInfersResultSetKindOverOK(t *testing.T) {
	cols := uint64(3)
	rows := uint64(10)
	raw, _ := json.Marshal(MySQLMessage{
		MsgType:     "mysql",
		Query:       "select * from widgets",
		ColumnCount: &cols,
		RowCount:    &rows,
	})

	tr, err := DecodeMySQL(raw)
	if err != nil {
		t.Fatalf("DecodeMySQL: %v", err)
	}
	if tr.ResponseKind != trace.MySQLResponseResultSet {
		t.Fatalf("ResponseKind = %v, want ResultSet", tr.ResponseKind)
	}
	if tr.ColumnCount != 3 || tr.RowCount != 10 {
		t.Fatalf("unexpected result-set fields: %+v", tr)
	}
}

func TestDecodeMySQLInfersOKKind(t *testing.T) {
	affected := uint64(1)
	raw, _ := json.Marshal(MySQLMessage{
		MsgType:      "mysql",
		Query:        "insert into widgets values (1)",
		AffectedRows: &affected,
	})

	tr, err := DecodeMySQL(raw)
	if err != nil {
		t.Fatalf("DecodeMySQL: %v", err)
	}
	if tr.ResponseKind != trace.MySQLResponseOK {
		t.Fatalf("ResponseKind = %v, want OK", tr.ResponseKind)
	}
	if tr.AffectedRows != 1 {
		t.Fatalf("AffectedRows = %d, want 1", tr.AffectedRows)
	}
}

func TestDecodeMySQLDefaultsToOKKind(t *testing.T) {
	raw, _ := json.Marshal(MySQLMessage{MsgType: "mysql", Query: "begin"})
	tr, err := DecodeMySQL(raw)
	if err != nil {
		t.Fatalf("DecodeMySQL: %v", err)
	}
	if tr.ResponseKind != trace.MySQLResponseOK {
		t.Fatalf("ResponseKind = %v, want OK", tr.ResponseKind)
	}
}

func TestDecodeHTTPRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeHTTP([]byte("{not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

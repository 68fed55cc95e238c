package mysql

import (
	"testing"

	"github.com/epli2/phantom/trace"
)

func greeting() []byte {
	// seq_id=0, payload[0]=0x0a (protocol version 10).
	return []byte{5, 0, 0, 0, 0x0a, 1, 2, 3, 4}
}

func authOK() []byte {
	// seq_id=2, payload[0]=0x00 (OK).
	return []byte{3, 0, 0, 2, 0x00, 0, 0}
}

func doHandshake(c *Conn) {
	c.ProcessIncoming(greeting())
	c.ProcessIncoming(authOK())
}

func comQueryPacket(query string) []byte {
	payload := append([]byte{0x03}, []byte(query)...)
	l := len(payload)
	hdr := []byte{byte(l), byte(l >> 8), byte(l >> 16), 0}
	return append(hdr, payload...)
}

func TestMySQLOK(t *testing.T) {
	c := New("127.0.0.1:3306")
	doHandshake(c)
	c.ProcessOutgoing(comQueryPacket("SELECT 1"))

	// OK packet: affected_rows=0, last_insert_id=0, status=0x0002, warnings=0
	okPayload := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	l := len(okPayload)
	hdr := []byte{byte(l), byte(l >> 8), byte(l >> 16), 1}
	pkt := append(hdr, okPayload...)

	traces := c.ProcessIncoming(pkt)
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	tr := traces[0]
	if tr.Query != "SELECT 1" {
		t.Errorf("query = %q", tr.Query)
	}
	if tr.ResponseKind != trace.MySQLResponseOK {
		t.Errorf("kind = %v", tr.ResponseKind)
	}
	if tr.AffectedRows != 0 {
		t.Errorf("affected_rows = %d", tr.AffectedRows)
	}
}

func TestMySQLErr(t *testing.T) {
	c := New("")
	doHandshake(c)
	c.ProcessOutgoing(comQueryPacket("BAD SQL"))

	msg := "syntax error"
	payload := append([]byte{0xff, 0x28, 0x04, '#', '4', '2', '0', '0', '0'}, []byte(msg)...)
	l := len(payload)
	hdr := []byte{byte(l), byte(l >> 8), byte(l >> 16), 1}
	pkt := append(hdr, payload...)

	traces := c.ProcessIncoming(pkt)
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	tr := traces[0]
	if tr.ErrorCode != 0x0428 {
		t.Errorf("error_code = %x", tr.ErrorCode)
	}
	if tr.SQLState != "42000" {
		t.Errorf("sql_state = %q", tr.SQLState)
	}
	if tr.ErrorMessage != msg {
		t.Errorf("message = %q", tr.ErrorMessage)
	}
}

func TestMySQLResultSet(t *testing.T) {
	c := New("")
	doHandshake(c)
	c.ProcessOutgoing(comQueryPacket("SELECT a, b FROM t"))

	pkt := func(seq byte, payload []byte) []byte {
		l := len(payload)
		hdr := []byte{byte(l), byte(l >> 8), byte(l >> 16), seq}
		return append(hdr, payload...)
	}
	eof := []byte{0xfe, 0x00, 0x00}

	c.ProcessIncoming(pkt(1, []byte{0x02})) // column count = 2
	c.ProcessIncoming(pkt(2, []byte("coldef-a")))
	c.ProcessIncoming(pkt(3, []byte("coldef-b")))
	c.ProcessIncoming(pkt(4, eof))
	c.ProcessIncoming(pkt(5, []byte("row1a-row1b")))
	c.ProcessIncoming(pkt(6, []byte("row2a-row2b")))
	got := c.ProcessIncoming(pkt(7, eof))

	if len(got) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(got))
	}
	tr := got[0]
	if tr.ColumnCount != 2 {
		t.Errorf("column_count = %d", tr.ColumnCount)
	}
	if tr.RowCount != 2 {
		t.Errorf("row_count = %d", tr.RowCount)
	}
}

func TestTeardownPartial(t *testing.T) {
	c := New("")
	doHandshake(c)
	c.ProcessOutgoing(comQueryPacket("SELECT SLEEP(100)"))

	tr, ok := c.Teardown()
	if !ok {
		t.Fatalf("expected partial emission on teardown")
	}
	if tr.Query != "SELECT SLEEP(100)" {
		t.Errorf("query = %q", tr.Query)
	}
	if tr.ResponseKind != 0 {
		t.Errorf("expected unknown response kind, got %v", tr.ResponseKind)
	}
}

func TestNoQueryNoTeardownEmission(t *testing.T) {
	c := New("")
	doHandshake(c)
	_, ok := c.Teardown()
	if ok {
		t.Fatalf("expected no emission when idle")
	}
}

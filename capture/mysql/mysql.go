// Package mysql implements the MySQL reassembler: it tracks the handshake,
// COM_QUERY commands, and OK/ERR/ResultSet responses, and
// emits one trace per completed query round-trip. Packet framing and
// length-encoded integer decoding are adapted from the donor repository's
// proxy/mysql/conn.go, which parses the same wire format for a different
// purpose (an active relay rather than passive capture).
package mysql

import (
	"encoding/binary"
	"time"

	"github.com/epli2/phantom/trace"
)

// MaxConnBuffer is the hard per-direction buffer cap.
const MaxConnBuffer = 512 * 1024

// DefaultPort is the default MySQL destination port, overridable via
// PHANTOM_MYSQL_PORT.
const DefaultPort = 3306

// MySQL response packet type indicators (first byte of payload).
const (
	iOK  byte = 0x00
	iERR byte = 0xFF
	iEOF byte = 0xFE
)

type handshakePhase int

const (
	phaseWaitingGreeting handshakePhase = iota
	phaseWaitingAuthOK
	phaseDone
)

type queryPhase int

const (
	phaseIdle queryPhase = iota
	phaseAwaitingResponse
	phaseReadingColumns
	phaseReadingRows
)

// Conn is one MySQL connection's reassembly state.
type Conn struct {
	destAddr string
	dbName   string

	outBuf []byte
	inBuf  []byte

	handshake handshakePhase
	query     queryPhase

	queryText   string
	queryStart  time.Time
	columnCount uint64
	rowCount    uint64
}

// New returns a fresh connection state, entered when the agent observes a
// connect(2) to the configured MySQL port: MySQL is the only protocol
// selected by destination rather than content sniff.
func New(destAddr string) *Conn {
	return &Conn{destAddr: destAddr, handshake: phaseWaitingGreeting, query: phaseIdle}
}

// SetDBName records the schema name, when known, for inclusion in emitted
// traces.
func (c *Conn) SetDBName(name string) {
	c.dbName = name
}

// ProcessOutgoing feeds outgoing (client→server) bytes. Only the COM_QUERY
// command byte (0x03) on seq_id 0, observed once the handshake has
// completed and no query is outstanding, starts a new round-trip.
func (c *Conn) ProcessOutgoing(b []byte) {
	c.outBuf = appendCapped(c.outBuf, b, MaxConnBuffer)
	var pkts [][]byte
	pkts, c.outBuf = peelPackets(c.outBuf)
	for _, pkt := range pkts {
		c.handleOutgoingPacket(pkt)
	}
}

// ProcessIncoming feeds incoming (server→client) bytes and returns every
// trace completed as a result.
func (c *Conn) ProcessIncoming(b []byte) []trace.MySQLTrace {
	c.inBuf = appendCapped(c.inBuf, b, MaxConnBuffer)
	var pkts [][]byte
	pkts, c.inBuf = peelPackets(c.inBuf)
	var out []trace.MySQLTrace
	for _, pkt := range pkts {
		if tr, ok := c.handleIncomingPacket(pkt); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Teardown emits a partial record if a query was in flight when the
// connection closed.
func (c *Conn) Teardown() (trace.MySQLTrace, bool) {
	if c.query == phaseIdle {
		return trace.MySQLTrace{}, false
	}
	tr := trace.MySQLTrace{
		Query:        c.queryText,
		ResponseKind: trace.MySQLResponseUnknown,
		Timestamp:    c.queryStart,
		Duration:     time.Since(c.queryStart),
		DestAddr:     c.destAddr,
		DBName:       c.dbName,
	}
	c.query = phaseIdle
	return tr, true
}

func (c *Conn) handleOutgoingPacket(pkt []byte) {
	seqID := seqOf(pkt)
	payload := payloadOf(pkt)
	if c.handshake != phaseDone || c.query != phaseIdle {
		return
	}
	if seqID == 0 && len(payload) >= 1 && payload[0] == 0x03 {
		c.queryText = string(payload[1:])
		c.queryStart = time.Now()
		c.query = phaseAwaitingResponse
	}
}

func (c *Conn) handleIncomingPacket(pkt []byte) (trace.MySQLTrace, bool) {
	seqID := seqOf(pkt)
	payload := payloadOf(pkt)
	first := byte(0)
	if len(payload) > 0 {
		first = payload[0]
	}

	switch c.handshake {
	case phaseWaitingGreeting:
		if seqID == 0 && first == 0x0a {
			c.handshake = phaseWaitingAuthOK
		}
		return trace.MySQLTrace{}, false
	case phaseWaitingAuthOK:
		if seqID >= 2 && first == iOK {
			c.handshake = phaseDone
		}
		return trace.MySQLTrace{}, false
	}

	switch c.query {
	case phaseAwaitingResponse:
		switch first {
		case iOK:
			return c.emitOK(payload), true
		case iERR:
			return c.emitErr(payload), true
		default:
			columnCount, _ := readLenEncInt(payload, 0)
			c.columnCount = columnCount
			c.rowCount = 0
			c.query = phaseReadingColumns
			return trace.MySQLTrace{}, false
		}
	case phaseReadingColumns:
		if first == iEOF && len(payload) < 9 {
			c.query = phaseReadingRows
		}
		return trace.MySQLTrace{}, false
	case phaseReadingRows:
		switch {
		case first == iEOF && len(payload) < 9:
			return c.emitResultSet(), true
		case first == iOK:
			// CLIENT_DEPRECATE_EOF terminator: an OK packet ends the row
			// stream instead of an EOF packet.
			return c.emitResultSet(), true
		case first == iERR:
			return c.emitErr(payload), true
		default:
			c.rowCount++
			return trace.MySQLTrace{}, false
		}
	}
	return trace.MySQLTrace{}, false
}

func (c *Conn) emitOK(payload []byte) trace.MySQLTrace {
	affectedRows, n1 := readLenEncInt(payload, 1)
	lastInsertID, n2 := readLenEncInt(payload, 1+n1)
	offset := 1 + n1 + n2 + 2 // skip the 2-byte status-flags block
	var warnings uint16
	if offset+2 <= len(payload) {
		warnings = binary.LittleEndian.Uint16(payload[offset : offset+2])
	}
	tr := trace.MySQLTrace{
		Query:        c.queryText,
		ResponseKind: trace.MySQLResponseOK,
		AffectedRows: affectedRows,
		LastInsertID: lastInsertID,
		Warnings:     warnings,
		Timestamp:    c.queryStart,
		Duration:     time.Since(c.queryStart),
		DestAddr:     c.destAddr,
		DBName:       c.dbName,
	}
	c.query = phaseIdle
	return tr
}

func (c *Conn) emitErr(payload []byte) trace.MySQLTrace {
	var errorCode uint16
	if len(payload) >= 3 {
		errorCode = binary.LittleEndian.Uint16(payload[1:3])
	}
	var sqlState, message string
	if len(payload) >= 9 && payload[3] == '#' {
		sqlState = string(payload[4:9])
		message = string(payload[9:])
	} else if len(payload) > 3 {
		message = string(payload[3:])
	}
	tr := trace.MySQLTrace{
		Query:        c.queryText,
		ResponseKind: trace.MySQLResponseErr,
		ErrorCode:    errorCode,
		SQLState:     sqlState,
		ErrorMessage: message,
		Timestamp:    c.queryStart,
		Duration:     time.Since(c.queryStart),
		DestAddr:     c.destAddr,
		DBName:       c.dbName,
	}
	c.query = phaseIdle
	return tr
}

func (c *Conn) emitResultSet() trace.MySQLTrace {
	tr := trace.MySQLTrace{
		Query:        c.queryText,
		ResponseKind: trace.MySQLResponseResultSet,
		ColumnCount:  c.columnCount,
		RowCount:     c.rowCount,
		Timestamp:    c.queryStart,
		Duration:     time.Since(c.queryStart),
		DestAddr:     c.destAddr,
		DBName:       c.dbName,
	}
	c.query = phaseIdle
	return tr
}

// peelPackets extracts as many complete [3-byte length][1-byte seq
// id][payload] packets as are fully present in buf, returning them along
// with the unconsumed remainder.
func peelPackets(buf []byte) (pkts [][]byte, rest []byte) {
	for {
		if len(buf) < 4 {
			return pkts, buf
		}
		payloadLen := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
		total := 4 + payloadLen
		if len(buf) < total {
			return pkts, buf
		}
		pkts = append(pkts, buf[:total])
		buf = buf[total:]
	}
}

func seqOf(pkt []byte) byte {
	if len(pkt) < 4 {
		return 0
	}
	return pkt[3]
}

func payloadOf(pkt []byte) []byte {
	if len(pkt) < 4 {
		return nil
	}
	return pkt[4:]
}

// readLenEncInt reads a MySQL length-encoded integer from data at offset,
// returning the value and the number of bytes consumed (including the
// leading marker byte); 0xff is never decoded here, since it is the ERR
// packet marker.
func readLenEncInt(data []byte, offset int) (uint64, int) {
	if offset >= len(data) {
		return 0, 0
	}
	switch {
	case data[offset] < 0xFB:
		return uint64(data[offset]), 1
	case data[offset] == 0xFC:
		if offset+2 >= len(data) {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[offset+1 : offset+3])), 3
	case data[offset] == 0xFD:
		if offset+3 >= len(data) {
			return 0, 0
		}
		return uint64(data[offset+1]) | uint64(data[offset+2])<<8 | uint64(data[offset+3])<<16, 4
	case data[offset] == 0xFE:
		if offset+8 >= len(data) {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(data[offset+1 : offset+9]), 9
	}
	return 0, 0
}

func appendCapped(dst, src []byte, capBytes int) []byte {
	if len(dst) >= capBytes {
		return dst
	}
	room := capBytes - len(dst)
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}

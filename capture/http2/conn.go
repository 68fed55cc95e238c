// Package http2 implements the HTTP/2 reassembler: it parses the fixed
// 9-byte frame header, buffers HEADERS + CONTINUATION + DATA per stream,
// decodes HPACK header blocks with a dynamic table per direction, and
// emits one trace per completed stream.
package http2

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/epli2/phantom/trace"
)

// MaxConnBuffer is the hard per-direction buffer cap.
const MaxConnBuffer = 512 * 1024

// MaxBody is the hard per-stream body capture cap.
const MaxBody = 16 * 1024

// stream is one HTTP/2 stream's accumulated request/response state.
type stream struct {
	method    string
	path      string
	scheme    string
	authority string
	reqHeaders map[string]string
	reqBody    []byte

	status      int
	respHeaders map[string]string
	respBody    []byte

	requestEnd  bool
	responseEnd bool

	startedAt time.Time
	timestamp time.Time
}

func newStream() *stream {
	now := time.Now()
	return &stream{
		reqHeaders:  map[string]string{},
		respHeaders: map[string]string{},
		startedAt:   now,
		timestamp:   now,
	}
}

// contAccum is the in-progress CONTINUATION accumulator for one direction.
type contAccum struct {
	active    bool
	streamID  uint32
	data      []byte
	endStream bool
}

// Conn is one HTTP/2 connection's reassembly state. It persists for the
// connection's lifetime once classified as HTTP/2.
type Conn struct {
	tls      bool
	destAddr string

	prefaceConsumed bool

	outBuf []byte
	inBuf  []byte

	// Two independent HPACK decoders, one per direction; each owns a
	// dynamic table that persists across frames and must never be shared
	// across connections.
	reqDecoder  *hpack.Decoder
	respDecoder *hpack.Decoder

	streams map[uint32]*stream

	outCont contAccum
	inCont  contAccum
}

// NewConn returns a fresh HTTP/2 connection state. tls records whether this
// connection was observed via a TLS shim, used to pick the default URL
// scheme when `:scheme` is absent.
func NewConn(tls bool, destAddr string) *Conn {
	c := &Conn{
		tls:      tls,
		destAddr: destAddr,
		streams:  map[uint32]*stream{},
	}
	c.reqDecoder = hpack.NewDecoder(4096, nil)
	c.respDecoder = hpack.NewDecoder(4096, nil)
	return c
}

// IsClientPreface reports whether b begins with the HTTP/2 client
// connection preface.
func IsClientPreface(b []byte) bool {
	return len(b) >= len(ClientPreface) && string(b[:len(ClientPreface)]) == ClientPreface
}

// ProcessOutgoing feeds outgoing (client→server, request-direction) bytes.
func (c *Conn) ProcessOutgoing(b []byte) {
	b = c.stripPrefaceOnce(b)
	c.outBuf = appendCapped(c.outBuf, b, MaxConnBuffer)
	c.outBuf = c.drain(c.outBuf, true)
}

// ProcessIncoming feeds incoming (server→client, response-direction) bytes
// and returns every stream that completed as a result: after frame
// draining, all complete streams are removed from the map and emitted.
func (c *Conn) ProcessIncoming(b []byte) []trace.HTTPTrace {
	c.inBuf = appendCapped(c.inBuf, b, MaxConnBuffer)
	c.inBuf = c.drain(c.inBuf, false)
	return c.collectComplete()
}

// Teardown emits every stream that has at least a recorded response status
// (a best-effort partial capture); streams without a status are discarded.
func (c *Conn) Teardown() []trace.HTTPTrace {
	var out []trace.HTTPTrace
	for id, st := range c.streams {
		if st.status != 0 {
			out = append(out, c.emit(st))
		}
		delete(c.streams, id)
	}
	return out
}

func (c *Conn) stripPrefaceOnce(b []byte) []byte {
	if c.prefaceConsumed {
		return b
	}
	c.prefaceConsumed = true
	if IsClientPreface(b) {
		return b[len(ClientPreface):]
	}
	return b
}

// drain consumes as many fully-buffered frames as possible from buf,
// returning the unconsumed remainder: frames are consumed from the head of
// the buffer only when fully present, and a short tail is left buffered.
func (c *Conn) drain(buf []byte, outgoing bool) []byte {
	for {
		if len(buf) < frameHeaderLen {
			return buf
		}
		fh := parseFrameHeader(buf)
		total := frameHeaderLen + int(fh.length)
		if len(buf) < total {
			return buf
		}
		payload := buf[frameHeaderLen:total]
		buf = buf[total:]

		switch fh.typ {
		case frameHeaders:
			c.handleHeaders(outgoing, fh, payload)
		case frameContinuation:
			c.handleContinuation(outgoing, fh, payload)
		case frameData:
			c.handleData(outgoing, fh, payload)
		default:
			// SETTINGS, WINDOW_UPDATE, PING, GOAWAY, PRIORITY, RST_STREAM,
			// PUSH_PROMISE and unknown types are skipped without touching
			// per-stream state.
		}
	}
}

func (c *Conn) handleHeaders(outgoing bool, fh frameHeader, payload []byte) {
	if fh.streamID == 0 {
		return
	}
	data := payload
	if fh.flags&flagPadded != 0 {
		data = stripPadding(data)
	}
	if fh.flags&flagPriority != 0 {
		data = stripPriority(data)
	}
	endStream := fh.flags&flagEndStream != 0
	if fh.flags&flagEndHeaders != 0 {
		c.applyHeaderBlock(outgoing, fh.streamID, data, endStream)
		return
	}
	accum := c.accumFor(outgoing)
	accum.active = true
	accum.streamID = fh.streamID
	accum.data = append([]byte(nil), data...)
	accum.endStream = endStream
}

func (c *Conn) handleContinuation(outgoing bool, fh frameHeader, payload []byte) {
	accum := c.accumFor(outgoing)
	if !accum.active || accum.streamID != fh.streamID {
		// Out-of-sequence CONTINUATION frames are dropped.
		return
	}
	accum.data = append(accum.data, payload...)
	if fh.flags&flagEndHeaders != 0 {
		data := accum.data
		endStream := accum.endStream
		*accum = contAccum{}
		c.applyHeaderBlock(outgoing, fh.streamID, data, endStream)
	}
}

func (c *Conn) handleData(outgoing bool, fh frameHeader, payload []byte) {
	if fh.streamID == 0 {
		return
	}
	data := payload
	if fh.flags&flagPadded != 0 {
		data = stripPadding(data)
	}
	st := c.streamFor(fh.streamID)
	endStream := fh.flags&flagEndStream != 0
	if outgoing {
		st.reqBody = appendCapped(st.reqBody, data, MaxBody)
		if endStream {
			st.requestEnd = true
		}
	} else {
		st.respBody = appendCapped(st.respBody, data, MaxBody)
		if endStream {
			st.responseEnd = true
		}
	}
}

func (c *Conn) applyHeaderBlock(outgoing bool, streamID uint32, block []byte, endStream bool) {
	st := c.streamFor(streamID)
	decoder := c.reqDecoder
	if !outgoing {
		decoder = c.respDecoder
	}
	decoder.SetEmitFunc(func(f hpack.HeaderField) {
		applyHeaderField(outgoing, st, f)
	})
	// A decode error leaves already-applied fields in place and drops the
	// rest silently.
	_, _ = decoder.Write(block)
	if outgoing {
		if endStream {
			st.requestEnd = true
		}
	} else if endStream {
		st.responseEnd = true
	}
}

func applyHeaderField(outgoing bool, st *stream, f hpack.HeaderField) {
	if outgoing {
		switch f.Name {
		case ":method":
			st.method = f.Value
		case ":path":
			st.path = f.Value
		case ":scheme":
			st.scheme = f.Value
		case ":authority":
			st.authority = f.Value
		default:
			if !strings.HasPrefix(f.Name, ":") {
				st.reqHeaders[f.Name] = f.Value
			}
		}
		return
	}
	switch f.Name {
	case ":status":
		if n, err := strconv.Atoi(f.Value); err == nil {
			st.status = n
		}
	default:
		if !strings.HasPrefix(f.Name, ":") {
			st.respHeaders[f.Name] = f.Value
		}
	}
}

func (c *Conn) accumFor(outgoing bool) *contAccum {
	if outgoing {
		return &c.outCont
	}
	return &c.inCont
}

func (c *Conn) streamFor(id uint32) *stream {
	st, ok := c.streams[id]
	if !ok {
		st = newStream()
		c.streams[id] = st
	}
	return st
}

// collectComplete removes and emits every stream that has a recorded
// response status and an observed response-side END_STREAM.
func (c *Conn) collectComplete() []trace.HTTPTrace {
	var out []trace.HTTPTrace
	for id, st := range c.streams {
		if st.status != 0 && st.responseEnd {
			out = append(out, c.emit(st))
			delete(c.streams, id)
		}
	}
	return out
}

func (c *Conn) emit(st *stream) trace.HTTPTrace {
	method, _ := trace.ParseHTTPMethod(st.method)
	return trace.HTTPTrace{
		Method:          method,
		URL:             synthesizeURL(st.scheme, c.tls, st.authority, st.path),
		RequestHeaders:  st.reqHeaders,
		RequestBody:     st.reqBody,
		StatusCode:      st.status,
		ResponseHeaders: st.respHeaders,
		ResponseBody:    st.respBody,
		Timestamp:       st.timestamp,
		Duration:        time.Since(st.startedAt),
		DestAddr:        c.destAddr,
		ProtocolVersion: "HTTP/2",
	}
}

// synthesizeURL builds scheme://authority+path. When `:scheme` is absent,
// the connection's TLS flag picks the default; when present, the observed
// scheme is preserved even if it disagrees with the TLS flag.
func synthesizeURL(scheme string, tls bool, authority, path string) string {
	if scheme == "" {
		if tls {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + authority + path
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

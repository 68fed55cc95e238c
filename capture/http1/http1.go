// Package http1 implements the HTTP/1.x reassembler: per connection it
// parses the request head, tracks the body by Content-Length, parses the
// response head, and emits a trace on completion or teardown.
package http1

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/epli2/phantom/trace"
)

// MaxConnBuffer is the hard per-connection buffer cap.
const MaxConnBuffer = 512 * 1024

// MaxBody is the hard per-trace body capture cap.
const MaxBody = 16 * 1024

const headEndMarker = "\r\n\r\n"

// State is the per-connection HTTP/1.x state machine, either collecting a
// request or collecting its matching response.
type State struct {
	reqBuf     []byte
	reqParsed  bool
	method     trace.HTTPMethod
	url        string
	reqHeaders map[string]string
	reqBody    []byte

	collectingResponse bool
	respBuf            []byte
	respParsed         bool
	statusCode         int
	respHeaders        map[string]string
	respContentLength  int // -1 means unknown (chunked, or absent on a body-less response)
	chunked            bool
	respHeadEnd        int

	destAddr  string
	scheme    string
	startedAt time.Time
	timestamp time.Time
}

// New returns a fresh, empty state.
func New() *State {
	return &State{respContentLength: -1}
}

// CollectingResponse reports whether the request head has been parsed and
// this state is now accumulating response bytes.
func (s *State) CollectingResponse() bool {
	return s.collectingResponse
}

// LooksLikeRequestLine reports whether b begins with one of the nine
// canonical HTTP method tokens followed by a space.
func LooksLikeRequestLine(b []byte) bool {
	for _, m := range trace.HTTPMethods {
		if len(b) > len(m) && string(b[:len(m)]) == m && b[len(m)] == ' ' {
			return true
		}
	}
	return false
}

// ProcessOutgoing feeds outgoing (request-direction) bytes into the state
// machine. A recognized request line always starts a fresh request
// collection, discarding any prior state on this connection.
func (s *State) ProcessOutgoing(b []byte, destAddr, scheme string) {
	if LooksLikeRequestLine(b) {
		*s = State{respContentLength: -1, destAddr: destAddr, scheme: scheme, startedAt: time.Now(), timestamp: time.Now()}
	}
	if s.collectingResponse {
		// Request head already parsed and body consumed; further outgoing
		// bytes on this connection belong to a future pipelined request,
		// which will be recognized by its own request line above.
		return
	}
	s.reqBuf = appendCapped(s.reqBuf, b, MaxConnBuffer)
	if !s.reqParsed {
		s.tryParseRequestHead()
	}
}

// ProcessIncoming feeds incoming (response-direction) bytes into the state
// machine. It returns a completed trace and true once the full response
// body (per Content-Length) has arrived.
func (s *State) ProcessIncoming(b []byte) (trace.HTTPTrace, bool) {
	if !s.collectingResponse {
		return trace.HTTPTrace{}, false
	}
	s.respBuf = appendCapped(s.respBuf, b, MaxConnBuffer)
	if !s.respParsed {
		s.tryParseResponseHead()
	}
	if !s.respParsed || s.chunked {
		return trace.HTTPTrace{}, false
	}
	bodyLen := len(s.respBuf) - s.respHeadEnd
	if s.respContentLength >= 0 && bodyLen < s.respContentLength {
		return trace.HTTPTrace{}, false
	}
	out := s.emit()
	*s = State{respContentLength: -1}
	return out, true
}

// Teardown is called on connection close. It emits whatever response bytes
// were buffered past the response head (covering chunked responses, which
// are never parsed incrementally) as long as the response head itself was
// parsed; otherwise it emits nothing.
func (s *State) Teardown() (trace.HTTPTrace, bool) {
	if !s.respParsed {
		return trace.HTTPTrace{}, false
	}
	return s.emit(), true
}

func (s *State) emit() trace.HTTPTrace {
	body := s.respBuf[s.respHeadEnd:]
	if s.respContentLength >= 0 && len(body) > s.respContentLength {
		body = body[:s.respContentLength]
	}
	return trace.HTTPTrace{
		Method:          s.method,
		URL:             s.url,
		RequestHeaders:  s.reqHeaders,
		RequestBody:     capBody(s.reqBody),
		StatusCode:      s.statusCode,
		ResponseHeaders: s.respHeaders,
		ResponseBody:    capBody(body),
		Timestamp:       s.timestamp,
		Duration:        time.Since(s.startedAt),
		DestAddr:        s.destAddr,
		ProtocolVersion: "HTTP/1.1",
	}
}

func (s *State) tryParseRequestHead() {
	idx := bytes.Index(s.reqBuf, []byte(headEndMarker))
	if idx < 0 {
		return
	}
	head := string(s.reqBuf[:idx])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return
	}
	method, _ := trace.ParseHTTPMethod(parts[0])
	target := parts[1]

	headers := map[string]string{}
	for _, line := range lines[1:] {
		k, v, ok := splitHeaderLine(line)
		if ok {
			headers[k] = v
		}
	}

	s.method = method
	s.reqHeaders = headers
	s.url = buildURL(s.scheme, target, headers["host"])
	s.reqParsed = true

	contentLength := -1
	if cl, ok := headers["content-length"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(cl)); err == nil && n >= 0 {
			contentLength = n
		}
	}
	bodyStart := idx + len(headEndMarker)
	available := s.reqBuf[bodyStart:]
	if contentLength >= 0 {
		if len(available) > contentLength {
			available = available[:contentLength]
		}
		s.reqBody = append([]byte(nil), available...)
	}
	s.collectingResponse = true
}

func (s *State) tryParseResponseHead() {
	idx := bytes.Index(s.respBuf, []byte(headEndMarker))
	if idx < 0 {
		return
	}
	head := string(s.respBuf[:idx])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}

	headers := map[string]string{}
	for _, line := range lines[1:] {
		k, v, ok := splitHeaderLine(line)
		if ok {
			headers[k] = v
		}
	}

	s.statusCode = status
	s.respHeaders = headers
	s.respHeadEnd = idx + len(headEndMarker)
	s.respParsed = true

	if te, ok := headers["transfer-encoding"]; ok && strings.Contains(strings.ToLower(te), "chunked") {
		s.chunked = true
		s.respContentLength = -1
		return
	}
	if cl, ok := headers["content-length"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(cl)); err == nil && n >= 0 {
			s.respContentLength = n
			return
		}
	}
	s.respContentLength = -1
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:i]))
	value = strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// buildURL reconstructs the request URL as scheme://host+path. scheme is
// "http" or "https" depending on whether bytes were seen inside a TLS
// shim. An absolute-form request target is passed through unchanged.
func buildURL(scheme, target, host string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if host == "" {
		return scheme + "://" + target
	}
	return scheme + "://" + host + target
}

func appendCapped(dst, src []byte, cap int) []byte {
	if len(dst) >= cap {
		return dst
	}
	room := cap - len(dst)
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}

func capBody(b []byte) []byte {
	if b == nil {
		return nil
	}
	if len(b) > MaxBody {
		return b[:MaxBody]
	}
	return b
}

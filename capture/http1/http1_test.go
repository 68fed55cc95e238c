package http1

import (
	"strings"
	"testing"
)

func TestRoundTripAcrossChunkBoundaries(t *testing.T) {
	req := "GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n"
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	tests := []struct {
		name        string
		reqChunks   []string
		respChunks  []string
	}{
		{"whole", []string{req}, []string{resp}},
		{"split-mid-header", []string{req[:10], req[10:]}, []string{resp[:10], resp[10:]}},
		{"byte-at-a-time-resp", []string{req}, strings.Split(resp, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, c := range tt.reqChunks {
				s.ProcessOutgoing([]byte(c), "1.2.3.4:80", "http")
			}
			var (
				got   interface{}
				ok    bool
				count int
			)
			for _, c := range tt.respChunks {
				tr, done := s.ProcessIncoming([]byte(c))
				if done {
					got = tr
					ok = true
					count++
				}
			}
			if !ok {
				t.Fatalf("expected a trace to be emitted")
			}
			if count != 1 {
				t.Fatalf("expected exactly one trace, got %d", count)
			}
			_ = got
		})
	}
}

func TestRoundTripFields(t *testing.T) {
	s := New()
	s.ProcessOutgoing([]byte("GET /api/users HTTP/1.1\r\nHost: example.com\r\n\r\n"), "", "https")
	tr, done := s.ProcessIncoming([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	if !done {
		t.Fatalf("expected completion")
	}
	if tr.URL != "https://example.com/api/users" {
		t.Errorf("url = %q", tr.URL)
	}
	if tr.StatusCode != 200 {
		t.Errorf("status = %d", tr.StatusCode)
	}
	if string(tr.ResponseBody) != "hello" {
		t.Errorf("body = %q", tr.ResponseBody)
	}
}

func TestChunkedOnlyEmitsOnTeardown(t *testing.T) {
	s := New()
	s.ProcessOutgoing([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"), "", "http")
	_, done := s.ProcessIncoming([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	if done {
		t.Fatalf("chunked response must not emit before teardown")
	}
	tr, done := s.Teardown()
	if !done {
		t.Fatalf("expected teardown to emit")
	}
	if !strings.Contains(string(tr.ResponseBody), "hello") {
		t.Errorf("expected buffered chunked bytes in body, got %q", tr.ResponseBody)
	}
}

func TestPipelinedKeepAliveEmitsTwoInOrder(t *testing.T) {
	s := New()
	s.ProcessOutgoing([]byte("GET /one HTTP/1.1\r\nHost: h\r\n\r\n"), "", "http")
	tr1, done := s.ProcessIncoming([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if !done {
		t.Fatalf("expected first trace")
	}
	s.ProcessOutgoing([]byte("POST /two HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc"), "", "http")
	tr2, done := s.ProcessIncoming([]byte("HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))
	if !done {
		t.Fatalf("expected second trace")
	}
	if tr1.URL != "http://h/one" || tr2.URL != "http://h/two" {
		t.Fatalf("unexpected urls: %q %q", tr1.URL, tr2.URL)
	}
}

func TestNoResponseHeadNoTrace(t *testing.T) {
	s := New()
	s.ProcessOutgoing([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"), "", "http")
	_, done := s.Teardown()
	if done {
		t.Fatalf("expected no trace when response head never parsed")
	}
}

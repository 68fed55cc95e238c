package collector_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epli2/phantom/collector"
	"github.com/epli2/phantom/fanout"
	"github.com/epli2/phantom/store"
	"github.com/epli2/phantom/wire"
)

func sendDatagram(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raddr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestCollectorDecodesAndDispatchesHTTP(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "phantom.sock")

	st, err := store.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := fanout.New(4)

	c := collector.New(sockPath, st, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitForSocket(t, sockPath)

	sendDatagram(t, sockPath, wire.HTTPMessage{
		Method:          "GET",
		URL:             "https://example.com/x",
		StatusCode:      200,
		RequestHeaders:  map[string]string{},
		ResponseHeaders: map[string]string{},
		ProtocolVersion: "HTTP/1.1",
	})

	select {
	case tr := <-bus.HTTP():
		if tr.URL != "https://example.com/x" {
			t.Errorf("url = %q", tr.URL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out delivery")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if _, err := os.Stat(sockPath); err == nil {
		t.Error("socket file should be removed after shutdown")
	}
}

func TestCollectorDecodesAndDispatchesMySQL(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "phantom.sock")

	st, err := store.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := fanout.New(4)

	c := collector.New(sockPath, st, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitForSocket(t, sockPath)

	sendDatagram(t, sockPath, wire.MySQLMessage{
		MsgType: "mysql",
		Query:   "SELECT 1",
	})

	select {
	case tr := <-bus.MySQL():
		if tr.Query != "SELECT 1" {
			t.Errorf("query = %q", tr.Query)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out delivery")
	}
}

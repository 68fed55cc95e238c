package fanout_test

import (
	"testing"

	"github.com/epli2/phantom/fanout"
	"github.com/epli2/phantom/trace"
)

func TestPublishHTTPDeliversToReceiver(t *testing.T) {
	t.Parallel()
	b := fanout.New(1)
	tr := trace.HTTPTrace{URL: "https://example.com"}
	if !b.PublishHTTP(tr) {
		t.Fatal("expected publish to succeed on an empty channel")
	}
	got := <-b.HTTP()
	if got.URL != tr.URL {
		t.Errorf("got %+v", got)
	}
}

func TestPublishHTTPDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := fanout.New(1)
	if !b.PublishHTTP(trace.HTTPTrace{URL: "a"}) {
		t.Fatal("first publish should succeed")
	}
	if b.PublishHTTP(trace.HTTPTrace{URL: "b"}) {
		t.Fatal("second publish on a full channel should be dropped")
	}
}

func TestPublishMySQLDeliversToReceiver(t *testing.T) {
	t.Parallel()
	b := fanout.New(1)
	tr := trace.MySQLTrace{Query: "SELECT 1"}
	if !b.PublishMySQL(tr) {
		t.Fatal("expected publish to succeed on an empty channel")
	}
	got := <-b.MySQL()
	if got.Query != tr.Query {
		t.Errorf("got %+v", got)
	}
}

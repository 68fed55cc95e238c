// Package fanout implements the bounded in-memory trace channels bridging
// the collector's dispatch to downstream consumers: one typed channel per
// trace kind, non-blocking senders, async receivers.
package fanout

import (
	"github.com/epli2/phantom/trace"
)

// DefaultCapacity is the default channel capacity for each trace kind's
// queue.
const DefaultCapacity = 4096

// Bus holds the two typed bounded channels.
type Bus struct {
	http  chan trace.HTTPTrace
	mysql chan trace.MySQLTrace
}

// New returns a Bus whose channels each have the given capacity (0 meaning
// DefaultCapacity).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		http:  make(chan trace.HTTPTrace, capacity),
		mysql: make(chan trace.MySQLTrace, capacity),
	}
}

// PublishHTTP enqueues tr without blocking. ok is false if the channel was
// full and tr was dropped.
func (b *Bus) PublishHTTP(tr trace.HTTPTrace) (ok bool) {
	select {
	case b.http <- tr:
		return true
	default:
		return false
	}
}

// PublishMySQL is the MySQL equivalent of PublishHTTP.
func (b *Bus) PublishMySQL(tr trace.MySQLTrace) (ok bool) {
	select {
	case b.mysql <- tr:
		return true
	default:
		return false
	}
}

// HTTP returns the receive-only HTTP trace channel for downstream consumers.
func (b *Bus) HTTP() <-chan trace.HTTPTrace {
	return b.http
}

// MySQL returns the receive-only MySQL trace channel for downstream
// consumers.
func (b *Bus) MySQL() <-chan trace.MySQLTrace {
	return b.mysql
}

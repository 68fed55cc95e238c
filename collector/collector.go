// Package collector implements the collector socket server: it binds the
// receiving end of the agent's datagram socket, decodes each message, and
// dispatches it to the persistent store and the fan-out bus.
package collector

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/epli2/phantom/fanout"
	"github.com/epli2/phantom/store"
	"github.com/epli2/phantom/wire"
)

// Collector binds one unixgram socket and drains it until cancelled.
type Collector struct {
	path   string
	store  *store.Store
	bus    *fanout.Bus
	logger *log.Logger
}

// New constructs a Collector. logger defaults to log.Default() if nil.
func New(path string, st *store.Store, bus *fanout.Bus, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.Default()
	}
	return &Collector{path: path, store: st, bus: bus, logger: logger}
}

// Run removes any stale socket file, binds the receiving endpoint, and
// drains datagrams until ctx is cancelled. On return (including via
// cancellation) the socket file is removed again.
func (c *Collector) Run(ctx context.Context) error {
	_ = os.Remove(c.path)
	laddr, err := net.ResolveUnixAddr("unixgram", c.path)
	if err != nil {
		return fmt.Errorf("collector: resolve %s: %w", c.path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return fmt.Errorf("collector: listen %s: %w", c.path, err)
	}
	defer func() {
		_ = conn.Close()
		_ = os.Remove(c.path)
	}()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() // unblocks the in-flight Read below
		case <-stopped:
		}
	}()
	defer close(stopped)

	buf := make([]byte, wire.MaxDatagramBytes)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Printf("collector: recv: %v", err)
			return nil
		}
		c.handle(buf[:n])
	}
}

func (c *Collector) handle(datagram []byte) {
	if wire.IsMySQL(datagram) {
		tr, err := wire.DecodeMySQL(datagram)
		if err != nil {
			c.logger.Printf("collector: decode mysql datagram: %v", err)
			return
		}
		if c.store != nil {
			if err := c.store.InsertMySQL(tr); err != nil {
				c.logger.Printf("collector: store mysql trace: %v", err)
			}
		}
		if c.bus != nil && !c.bus.PublishMySQL(tr) {
			c.logger.Printf("collector: mysql channel full, dropped trace")
		}
		return
	}

	tr, err := wire.DecodeHTTP(datagram)
	if err != nil {
		c.logger.Printf("collector: decode http datagram: %v", err)
		return
	}
	if c.store != nil {
		if err := c.store.InsertHTTP(tr); err != nil {
			c.logger.Printf("collector: store http trace: %v", err)
		}
	}
	if c.bus != nil && !c.bus.PublishHTTP(tr) {
		c.logger.Printf("collector: http channel full, dropped trace")
	}
}

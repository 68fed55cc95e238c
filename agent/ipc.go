package agent

import (
	"net"
	"os"
	"sync"
	"syscall"
)

// socketEnvVar names the environment variable the agent reads for the
// collector's unixgram socket path. Unset or empty means no collector is
// attached: the agent runs, but every emission is a silent no-op.
const socketEnvVar = "PHANTOM_SOCKET"

// ipcSender is the ambient, best-effort datagram transport to the collector.
// It dials lazily, on first send, with a nil local address, so the socket
// stays unbound and the agent manages no socket path of its own; any dial or
// write failure is swallowed, since capture must never perturb the
// instrumented process's own I/O.
type ipcSender struct {
	path string

	once sync.Once
	conn *net.UnixConn
}

func newIPCSender() *ipcSender {
	return &ipcSender{path: os.Getenv(socketEnvVar)}
}

func (s *ipcSender) dial() {
	if s.path == "" {
		return
	}
	raddr, err := net.ResolveUnixAddr("unixgram", s.path)
	if err != nil {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return
	}
	s.conn = conn
}

// send writes one datagram, dropping it silently if no collector is
// attached or the write fails. It makes a single non-blocking write attempt,
// so a full collector receive queue drops the datagram instead of stalling
// the calling thread.
func (s *ipcSender) send(b []byte) {
	s.once.Do(s.dial)
	if s.conn == nil {
		return
	}
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Write(func(fd uintptr) bool {
		_, _ = syscall.Write(int(fd), b)
		return true
	})
}

// Command phantom-agent builds as a cgo c-shared library (LD_PRELOAD
// target): it exports the Go-side callbacks the C interposers in shim.c
// invoke around the real libc/TLS calls (after send, recv, connect,
// SSL_write and SSL_read complete; before close and SSL_free run). There is no
// standalone binary entry point; main exists only because cgo's
// -buildmode=c-shared still requires package main.
package main

/*
#include <stddef.h>
*/
import "C"

import (
	"os"
	"strconv"
	"unsafe"

	"github.com/epli2/phantom/agent"
	"github.com/epli2/phantom/capture"
)

var theAgent = agent.New(mysqlPortFromEnv())

func mysqlPortFromEnv() int {
	if v := os.Getenv("PHANTOM_MYSQL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// phantomOnConnect is called after a successful connect(2), with the
// formatted destination address and port.
//
//export phantomOnConnect
func phantomOnConnect(fd C.int, destAddr *C.char, port C.int) {
	theAgent.OnConnect(capture.ConnID(fd), C.GoString(destAddr), int(port))
}

// phantomOnSend is called after a positive-return send(2) on a plaintext
// socket.
//
//export phantomOnSend
func phantomOnSend(fd C.int, buf unsafe.Pointer, n C.size_t, destAddr *C.char) {
	if n <= 0 {
		return
	}
	theAgent.OnSend(capture.ConnID(fd), C.GoBytes(buf, C.int(n)), C.GoString(destAddr))
}

// phantomOnRecv is called after a positive-return recv(2) on a plaintext
// socket.
//
//export phantomOnRecv
func phantomOnRecv(fd C.int, buf unsafe.Pointer, n C.size_t) {
	if n <= 0 {
		return
	}
	theAgent.OnRecv(capture.ConnID(fd), C.GoBytes(buf, C.int(n)))
}

// phantomOnClose is called before the real close(2) runs.
//
//export phantomOnClose
func phantomOnClose(fd C.int) {
	theAgent.OnClose(capture.ConnID(fd))
}

// phantomOnTLSWrite is called after a positive-return TLS write, keyed by
// the TLS session handle rather than a file descriptor.
//
//export phantomOnTLSWrite
func phantomOnTLSWrite(session unsafe.Pointer, buf unsafe.Pointer, n C.size_t, destAddr *C.char) {
	if n <= 0 {
		return
	}
	theAgent.OnTLSWrite(capture.ConnID(uintptr(session)), C.GoBytes(buf, C.int(n)), C.GoString(destAddr))
}

// phantomOnTLSRead is called after a positive-return TLS read.
//
//export phantomOnTLSRead
func phantomOnTLSRead(session unsafe.Pointer, buf unsafe.Pointer, n C.size_t) {
	if n <= 0 {
		return
	}
	theAgent.OnTLSRead(capture.ConnID(uintptr(session)), C.GoBytes(buf, C.int(n)))
}

// phantomOnTLSFree is called before the real session-free runs: the session
// pointer is the connection identifier and stops being a valid key for
// anything the instant the real free returns.
//
//export phantomOnTLSFree
func phantomOnTLSFree(session unsafe.Pointer) {
	theAgent.OnTLSFree(capture.ConnID(uintptr(session)))
}

func main() {}

// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package ipc

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alexdev-tb/helix/internal/hlog"
)

func startTestServer(t *testing.T, handler Handler) (*Server, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "helixd.sock")
	s := NewServer(sockPath, handler, hlog.NewNoOpLogger())

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return s, func() { _ = s.Stop() }
}

func sendLine(t *testing.T, sockPath, line string) string {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	assert.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line + "\n"))
	assert.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	assert.NoError(t, err)
	return reply
}

func TestServerDispatchesOneLinePerConnection(t *testing.T) {
	s, stop := startTestServer(t, func(line string) string {
		return "OK " + line
	})
	defer stop()

	reply := sendLine(t, s.SocketPath(), "status")
	assert.Equal(t, "OK status\n", reply)
}

func TestServerRecoversFromHandlerPanic(t *testing.T) {
	s, stop := startTestServer(t, func(line string) string {
		panic("handler exploded")
	})
	defer stop()

	reply := sendLine(t, s.SocketPath(), "boom")
	assert.Equal(t, "ERR exception\n", reply)
}

func TestTrimNewline(t *testing.T) {
	assert.Equal(t, "status", trimNewline("status\n"))
	assert.Equal(t, "status", trimNewline("status\r\n"))
	assert.Equal(t, "status", trimNewline("status"))
}

package client

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenOnce(t *testing.T) (addr string, lines chan map[string]any, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	lines = make(chan map[string]any, 32)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var m map[string]any
			if json.Unmarshal(scanner.Bytes(), &m) == nil {
				lines <- m
			}
		}
	}()

	return ln.Addr().String(), lines, func() { ln.Close() }
}

func TestLogEventReturnsImmediatelyAndEventuallyDelivers(t *testing.T) {
	addr, lines, stop := listenOnce(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := Init("probe-1", host, port, Options{})
	defer c.Close()

	c.LogEvent("info", "hello", nil)

	select {
	case m := <-lines:
		require.Equal(t, "probe-1", m["src"])
		require.Equal(t, "event", m["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered record")
	}
}

func TestOverflowDropsOldestWhileDisconnected(t *testing.T) {
	c := Init("probe-2", "127.0.0.1", unusedPort(t), Options{BufferCapacity: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.LogEvent("info", "msg", nil)
	}

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Dropped == 2 && s.Buffered == 3
	}, time.Second, 10*time.Millisecond)
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

package listener

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-telemetry/sidecar/internal/correlation"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startListener(t *testing.T, eng *correlation.Engine) (*Listener, int) {
	t.Helper()
	port := freePort(t)
	l := New(Options{Host: "127.0.0.1", Port: port, MaxFramingErrors: 3}, eng, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	require.Eventually(t, func() bool { return l.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		l.Shutdown()
		<-done
	})
	return l, port
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, f map[string]any) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)
}

func TestServeAcceptsAndIngestsRecord(t *testing.T) {
	eng := correlation.New(correlation.Options{BatchInterval: 100 * time.Millisecond}, nil)
	eng.Start(context.Background())
	defer eng.Stop()

	_, port := startListener(t, eng)
	conn := dial(t, port)
	defer conn.Close()

	writeFrame(t, conn, map[string]any{"v": 1, "src": "agent-1", "ts": 1, "type": "event", "data": map[string]any{"message": "hi"}})

	select {
	case b := <-eng.Batches():
		require.Equal(t, "agent-1", b.Source)
		require.Len(t, b.Records, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestSourceRebindRejected(t *testing.T) {
	eng := correlation.New(correlation.Options{BatchInterval: 100 * time.Millisecond}, nil)
	eng.Start(context.Background())
	defer eng.Stop()

	_, port := startListener(t, eng)
	conn := dial(t, port)
	defer conn.Close()

	writeFrame(t, conn, map[string]any{"v": 1, "src": "agent-1", "ts": 1, "type": "event", "data": map[string]any{"message": "first"}})
	writeFrame(t, conn, map[string]any{"v": 1, "src": "agent-2", "ts": 2, "type": "event", "data": map[string]any{"message": "second"}})

	select {
	case b := <-eng.Batches():
		require.Equal(t, "agent-1", b.Source)
		require.Len(t, b.Records, 1, "the rebind attempt must be dropped, not merged")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	select {
	case b := <-eng.Batches():
		t.Fatalf("the rebind attempt must be dropped, but a batch for %q was flushed", b.Source)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestFramingErrorThresholdClosesConnection(t *testing.T) {
	eng := correlation.New(correlation.Options{}, nil)
	eng.Start(context.Background())
	defer eng.Stop()

	_, port := startListener(t, eng)
	conn := dial(t, port)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		_, err := conn.Write([]byte("not json\n"))
		require.NoError(t, err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(buf)
	require.Error(t, err, "connection should be closed after exceeding the framing error threshold")
}

// Package client is the send-only telemetry client applications embed to
// emit records to a sidecar over its TCP wire protocol. It never blocks
// the caller on network I/O: log_* calls only ever touch a mutex-
// protected bounded queue, and all connect/write work happens in a
// background goroutine, mirroring the buffered-channel-producer /
// background-shipper split the sidecar's own telemetry shipping code
// uses on the producer side.
package client

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// State is one of the client's connection lifecycle states.
type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected"
	Overflow     State = "overflow"
)

// Options configures a Client. Zero values fall back to spec defaults.
type Options struct {
	BufferCapacity  int           // default 1000
	InitialBackoff  time.Duration // default 1s
	MaxBackoff      time.Duration // default 30s
	DrainTimeout    time.Duration // default 2s, used by Close
	DialTimeout     time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = 1000
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// Stats is a snapshot of the client's counters and connection state.
type Stats struct {
	State           State
	Sent            int64
	Buffered        int
	Dropped         int64
	ReconnectCount  int64
}

// Client is one instance of the telemetry client, bound to a single
// emitting source name.
type Client struct {
	source string
	addr   string
	opts   Options

	mu      sync.Mutex
	state   State
	buf     []*wire.Record
	sent    int64
	dropped int64
	reconns int64

	traceID string
	context map[string]any

	conn      net.Conn
	wakeCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Init constructs a Client bound to source and starts the background
// connector against host:port. It returns immediately; the first
// connection attempt happens asynchronously.
func Init(source, host string, port int, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		source:  source,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		opts:    opts,
		state:   Disconnected,
		buf:     make([]*wire.Record, 0, opts.BufferCapacity),
		context: make(map[string]any),
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// SetTraceID sets the trace ID attached to subsequently enqueued span
// records that do not specify their own.
func (c *Client) SetTraceID(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traceID = traceID
}

// SetContext merges fields into the context attached to subsequently
// enqueued event records.
func (c *Client) SetContext(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		c.context[k] = v
	}
}

// LogEvent enqueues an event record. Returns immediately; never blocks
// on network I/O.
func (c *Client) LogEvent(level, message string, fields map[string]any) {
	ctx := mergeContext(c.snapshotContext(), fields)
	c.enqueue(wire.KindEvent, map[string]any{"level": level, "message": message, "context": ctx}, "", "", "")
}

// LogMetric enqueues a metric record.
func (c *Client) LogMetric(name string, value float64, unit string, tags map[string]string) {
	c.enqueue(wire.KindMetric, map[string]any{"name": name, "value": value, "unit": unit, "tags": tags}, "", "", "")
}

// LogProgress enqueues a progress record.
func (c *Client) LogProgress(jobID string, percent int, status string) {
	c.enqueue(wire.KindProgress, map[string]any{"job_id": jobID, "percent": percent, "status": status}, "", "", "")
}

// LogResource enqueues a resource-sample record.
func (c *Client) LogResource(payload wire.ResourcePayload) {
	c.enqueue(wire.KindResource, map[string]any{
		"cpu": payload.CPU, "memory": payload.Memory, "disk_io": payload.DiskIO,
		"net_io": payload.NetIO, "pid": payload.PID,
	}, "", "", "")
}

// StartSpan enqueues the opening half of a span, returning its span ID
// for a matching EndSpan call.
func (c *Client) StartSpan(name, parentSpanID string) (spanID string) {
	spanID = newID()
	traceID := c.currentTraceID(spanID)
	c.enqueue(wire.KindSpan, map[string]any{"name": name, "start_ms": nowMs()}, traceID, spanID, parentSpanID)
	return spanID
}

// EndSpan enqueues the closing half of a span.
func (c *Client) EndSpan(spanID, status string) {
	c.enqueue(wire.KindSpan, map[string]any{"name": "", "end_ms": nowMs(), "status": status}, c.snapshotTraceID(), spanID, "")
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{State: c.state, Sent: c.sent, Buffered: len(c.buf), Dropped: c.dropped, ReconnectCount: c.reconns}
}

// Close flushes pending records, emits a goodbye, closes the socket, and
// releases every resource the client holds. Idempotent; bounded by
// opts.DrainTimeout.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.enqueueLocked(wire.KindGoodbye, map[string]any{}, "", "", "")
		c.mu.Unlock()

		close(c.closeCh)
		c.kick()

		done := make(chan struct{})
		go func() { c.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(c.opts.DrainTimeout):
		}

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) currentTraceID(spanID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.traceID == "" {
		c.traceID = spanID
	}
	return c.traceID
}

func (c *Client) snapshotTraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID
}

func (c *Client) snapshotContext() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.context))
	for k, v := range c.context {
		out[k] = v
	}
	return out
}

func mergeContext(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func (c *Client) enqueue(kind wire.Kind, payload map[string]any, traceID, spanID, parentSpanID string) {
	c.mu.Lock()
	c.enqueueLocked(kind, payload, traceID, spanID, parentSpanID)
	c.mu.Unlock()
	c.kick()
}

// enqueueLocked appends rec to the buffer, applying oldest-drop overflow
// once BufferCapacity is reached. Caller holds c.mu.
func (c *Client) enqueueLocked(kind wire.Kind, payload map[string]any, traceID, spanID, parentSpanID string) {
	rec := &wire.Record{
		SchemaVersion: wire.SchemaVersion,
		Source:        c.source,
		TimestampMs:   nowMs(),
		Kind:          kind,
		TraceID:       traceID,
		SpanID:        spanID,
		ParentSpanID:  parentSpanID,
		Payload:       payload,
	}

	if len(c.buf) >= c.opts.BufferCapacity {
		c.buf = c.buf[1:]
		c.dropped++
		if c.state == Connected {
			c.state = Overflow
		}
	}
	c.buf = append(c.buf, rec)

	if c.state == Disconnected && len(c.buf) >= c.opts.BufferCapacity {
		c.state = Overflow
	}
}

func (c *Client) kick() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// run is the background connector: it owns the single persistent
// connection for this client's lifetime, reconnecting with exponential
// backoff whenever the connection drops.
func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.opts.InitialBackoff
	for {
		select {
		case <-c.closeCh:
			c.drainOnClose()
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.addr, c.opts.DialTimeout)
		if err != nil {
			c.mu.Lock()
			c.reconns++
			c.mu.Unlock()
			if !c.sleepOrClose(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}

		backoff = c.opts.InitialBackoff
		c.mu.Lock()
		c.conn = conn
		c.state = Connected
		c.mu.Unlock()

		c.serveConn(conn)

		c.mu.Lock()
		c.conn = nil
		if c.state != Disconnected {
			c.state = Disconnected
		}
		c.mu.Unlock()

		select {
		case <-c.closeCh:
			c.drainOnClose()
			return
		default:
		}
	}
}

// serveConn flushes the buffer in FIFO order and keeps writing newly
// enqueued records until a write fails, the peer closes, or Close fires.
func (c *Client) serveConn(conn net.Conn) {
	for {
		rec, ok := c.popFront()
		if !ok {
			select {
			case <-c.wakeCh:
				continue
			case <-c.closeCh:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		line, err := wire.Encode(rec)
		if err != nil {
			continue // malformed payload on our own side: drop and move on
		}
		if _, err := conn.Write(append(line, '\n')); err != nil {
			c.pushFront(rec)
			return
		}

		c.mu.Lock()
		c.sent++
		if c.state == Overflow && len(c.buf) < c.opts.BufferCapacity/2 {
			c.state = Connected
		}
		c.mu.Unlock()
	}
}

func (c *Client) popFront() (*wire.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil, false
	}
	rec := c.buf[0]
	c.buf = c.buf[1:]
	return rec, true
}

func (c *Client) pushFront(rec *wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append([]*wire.Record{rec}, c.buf...)
}

// drainOnClose makes a best-effort attempt to flush whatever is left in
// the buffer over the current connection (if any) before Close's overall
// DrainTimeout expires; remaining records are simply discarded.
func (c *Client) drainOnClose() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		rec, ok := c.popFront()
		if !ok {
			return
		}
		line, err := wire.Encode(rec)
		if err != nil {
			continue
		}
		if _, err := conn.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

func (c *Client) sleepOrClose(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.closeCh:
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func nowMs() int64 { return time.Now().UnixMilli() }

func newID() string { return uuid.New().String() }

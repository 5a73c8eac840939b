// Package listener runs the sidecar's TCP ingest socket: an accept loop
// spawning one reader per connection, decoding wire frames and handing
// them to the correlation engine, enforcing first-record-wins source
// binding and per-connection framing-error thresholds.
package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/correlation"
	"github.com/lattice-telemetry/sidecar/internal/obslog"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Options configures a Listener, sourced from config.ListenerConfig.
type Options struct {
	Host                 string
	Port                 int
	MaxConnections       int
	MaxFramingErrors     int
	FramingErrorWindow   time.Duration
	ClockSkewTolerance   time.Duration
}

// Listener accepts connections on a TCP socket and feeds decoded records
// into a correlation.Engine. It drops undecodable frames and records
// whose source differs from the connection's bound source; backpressure
// drops are entirely the engine's (and its global queue's)
// responsibility. A reader waits only while Ingest waits to hand off a
// flushed batch.
type Listener struct {
	opts Options
	log  *obslog.Logger
	eng  *correlation.Engine

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New constructs a Listener. Call Serve to begin accepting connections.
func New(opts Options, eng *correlation.Engine, log *obslog.Logger) *Listener {
	if opts.MaxFramingErrors <= 0 {
		opts.MaxFramingErrors = 16
	}
	if opts.FramingErrorWindow <= 0 {
		opts.FramingErrorWindow = 10 * time.Second
	}
	if log == nil {
		log = obslog.NewNop()
	}
	return &Listener{opts: opts, log: log, eng: eng, conns: make(map[net.Conn]struct{})}
}

// Addr returns the bound address once Serve has started listening, or
// nil beforehand.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve binds the listening socket and runs the accept loop until ctx is
// cancelled or Shutdown is called. A bind failure is returned immediately
// so the caller can map it to spec.md's listener-bind-failure exit code.
func (l *Listener) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(l.opts.Host, strconv.Itoa(l.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.log.LogListenerStarted(addr, l.opts.MaxConnections)

	go func() {
		<-ctx.Done()
		l.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				l.wg.Wait()
				return nil
			}
			return err
		}

		if l.opts.MaxConnections > 0 && l.activeConns() >= l.opts.MaxConnections {
			conn.Close()
			continue
		}

		l.trackConn(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrackConn(conn)
			l.handleConn(conn)
		}()
	}
}

// Shutdown closes the accept socket so no new connections are admitted.
// In-flight connections are left to finish reading their current frame
// on their own (handleConn exits once the peer closes or a framing
// threshold trips); Serve returns once every connection goroutine has
// exited. Idempotent.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	ln := l.ln
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

func (l *Listener) activeConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) trackConn(c net.Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrackConn(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// handleConn reads frames from one connection until it closes, is torn
// down on a goodbye record, or exceeds the framing-error threshold
// within FramingErrorWindow.
func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	l.log.LogConnectionAccepted(remoteAddr)

	fr := wire.NewFrameReader(conn)

	var (
		source        string
		bound         bool
		errCount      int
		windowStart   time.Time
	)
	closeReason := "connection_closed"

	for {
		line, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeReason = "eof"
			} else if errors.Is(err, io.ErrUnexpectedEOF) {
				closeReason = "partial_frame_at_eof"
			} else {
				closeReason = "read_error"
			}
			break
		}

		rec, decErr := wire.Decode(line)
		if decErr != nil {
			if l.noteFramingError(&errCount, &windowStart) {
				l.log.LogFramingErrorThreshold(source, remoteAddr, errCount)
				closeReason = "framing_error_threshold"
				break
			}
			var de *wire.DecodeError
			if errors.As(decErr, &de) {
				l.log.RecordDropped(source, "unknown", de.Reason)
			}
			continue
		}

		if !bound {
			source = rec.Source
			bound = true
			l.eng.NoteConnection(source, 1)
			defer l.eng.NoteConnection(source, -1)
		} else if rec.Source != source {
			// First-record-wins: a connection is bound to the source of
			// its first record; later records claiming a different
			// source are dropped rather than silently re-bound.
			l.log.RecordDropped(rec.Source, string(rec.Kind), "source_rebind_rejected")
			continue
		}

		if l.eng.Ingest(rec) {
			l.log.LogRecordReceived(source)
		}

		if rec.Kind == wire.KindGoodbye {
			closeReason = "goodbye"
			break
		}
	}

	l.log.LogConnectionClosed(source, remoteAddr, closeReason)
}

// noteFramingError records one framing error and reports whether the
// connection has now exceeded its error budget within the configured
// window, resetting the window once it elapses.
func (l *Listener) noteFramingError(count *int, windowStart *time.Time) bool {
	now := time.Now()
	if windowStart.IsZero() || now.Sub(*windowStart) > l.opts.FramingErrorWindow {
		*windowStart = now
		*count = 0
	}
	*count++
	return *count >= l.opts.MaxFramingErrors
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// transport owns one stream socket for a single channel: TCP (with
// NODELAY + QUICKACK) when a port is given, or a Unix domain stream
// socket when it is not (spec.md §4.2). Writes are serialized under
// sendMu; reads are only ever driven from the event loop goroutine, so
// they need no lock of their own.
type transport struct {
	conn   net.Conn
	sendMu sync.Mutex

	metrics      MetricsCollector
	channelLabel string

	writeTimeout time.Duration
}

// attachTimeouts wires the configured read/write bounds into a
// already-dialed transport. The read timeout is applied by the caller
// per poll via setReadDeadline (session.go's drainChannel); the write
// timeout is applied here, ahead of every send, since writes are never
// interleaved with the event loop's own deadline management.
func (t *transport) attachTimeouts(writeTimeout time.Duration) {
	t.writeTimeout = writeTimeout
}

// attachMetrics wires a collector and the channel label it should report
// under into an already-dialed transport; called once per channel right
// after dialTransport succeeds (session.go's Connect, channel_main.go's
// connectSubChannel). A transport with no metrics attached reports
// nothing, matching NoOpMetrics' behavior without a nil check at every
// call site.
func (t *transport) attachMetrics(m MetricsCollector, channel ChannelType) {
	t.metrics = m
	t.channelLabel = channel.String()
}

// dialTransport opens the channel socket. port == 0 selects a local
// (Unix domain) stream socket at host; any other port dials TCP with
// NODELAY and QUICKACK set, grounded on the teacher's plain net.Dial in
// ClientWithOptions generalized to the two address families spec.md §4.2
// requires.
func dialTransport(ctx context.Context, host string, port int) (*transport, error) {
	var (
		conn net.Conn
		err  error
	)

	d := net.Dialer{}
	if port == 0 {
		conn, err = d.DialContext(ctx, "unix", host)
	} else {
		conn, err = d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	if err != nil {
		return nil, networkError("dialTransport", "failed to dial channel socket", err)
	}

	t := &transport{conn: conn}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, networkError("dialTransport", "failed to set TCP_NODELAY", err)
		}
		if err := setQuickAck(tc); err != nil {
			_ = conn.Close()
			return nil, networkError("dialTransport", "failed to set TCP_QUICKACK", err)
		}
	}

	return t, nil
}

// setQuickAck enables TCP_QUICKACK, which has no net.TCPConn equivalent;
// the raw file descriptor is reached through SyscallConn and tuned with
// golang.org/x/sys/unix, the same socket-tuning shape shellshare and
// masque-vpn use for their own transports (DESIGN.md "Transport").
func setQuickAck(tc *net.TCPConn) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// setNoDelay toggles TCP_NODELAY; used by the disconnect handshake
// (session.go) to force a flush the way PureSpice's
// purespice_disconnectChannel does (SPEC_FULL.md §4).
func (t *transport) setNoDelay(enabled bool) {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(enabled)
	}
}

// close shuts down the socket.
func (t *transport) close() error {
	return t.conn.Close()
}

// closeWrite half-shuts the write side, used to honor an inbound
// `disconnecting` message (spec.md §4.4).
func (t *transport) closeWrite() error {
	if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.conn.Close()
}

// setReadDeadline arms the read deadline d from now, or clears it when
// d is not positive. Go's net package exposes no direct FIONREAD
// (bytes-available) equivalent on an arbitrary net.Conn, so the event
// loop treats "at least one frame" as its drain unit and relies on
// these read deadlines instead; see session.go's Process.
func (t *transport) setReadDeadline(d time.Duration) {
	if d > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
}

// send writes one framed message under the channel's send mutex
// (spec.md §4.2, §5's per-channel send mutex requirement).
func (t *transport) send(ctx context.Context, typ MessageType, payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.applyWriteDeadline()
	if err := writeFrame(ctx, t.conn, typ, payload); err != nil {
		return err
	}
	t.reportBytesSent(headerSize + len(payload))
	return nil
}

// sendRaw writes pre-framed bytes (used by the inputs channel's batched
// mouse-motion write, which builds its own headers) under the same send
// mutex.
func (t *transport) sendRaw(ctx context.Context, buf []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.applyWriteDeadline()
	if err := writeFullWithContext(ctx, t.conn, buf); err != nil {
		return err
	}
	t.reportBytesSent(len(buf))
	return nil
}

// applyWriteDeadline sets the socket's write deadline from the
// configured write timeout, or clears it when none is set.
func (t *transport) applyWriteDeadline() {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
}

// reportBytesSent records an outbound byte count, a no-op until
// attachMetrics has been called.
func (t *transport) reportBytesSent(n int) {
	if t.metrics != nil {
		t.metrics.IncCounter("bytes_sent", float64(n), t.channelLabel)
	}
}

// withSendLock runs fn while holding the channel's send mutex, letting a
// caller perform a multi-step critical section (spec.md §4.8's "drain is
// atomic with respect to token acquisition") without recursively
// acquiring the lock send()/sendRaw() already take internally.
func (t *transport) withSendLock(fn func() error) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return fn()
}

// readFullWithContext reads exactly len(buf) bytes, honoring
// cancellation, grounded on the teacher's readWithContext
// (client.go:1460) goroutine+select pattern generalized to any
// io.Reader instead of a fixed *ClientConn field.
func readFullWithContext(ctx context.Context, r io.Reader, buf []byte) error {
	done := make(chan error, 1)

	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errNoData
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errTimeout
			}
			return networkError("readFullWithContext", "short read", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeFullWithContext writes buf in full, honoring cancellation,
// grounded on the teacher's writeWithContext (client.go:1477).
func writeFullWithContext(ctx context.Context, w io.Writer, buf []byte) error {
	done := make(chan error, 1)

	go func() {
		n, err := w.Write(buf)
		if err == nil && n != len(buf) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return networkError("writeFullWithContext", "short write", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package styx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/internal/ratelimiter"
	"github.com/marmos91/styxd/internal/session"
	"github.com/marmos91/styxd/pkg/styx"
)

// StyxConnection serves one client connection: it frames messages off
// the wire, dispatches each request to the connection's session in its
// own goroutine, and serializes response writes.
//
// Requests run concurrently so a Tflush can cancel a slow request and a
// pipelined client gets its independent requests serviced in parallel.
// Responses may therefore leave in any order, which the protocol's tag
// correlation allows.
type StyxConnection struct {
	server *StyxAdapter
	conn   net.Conn
	sess   *session.Session

	// limiter throttles this connection's request rate. Never nil; an
	// unlimited limiter stands in when no rate is configured.
	limiter *ratelimiter.RateLimiter

	// writeMu serializes response writes; each response goes out in a
	// single Write call so messages never interleave.
	writeMu sync.Mutex

	// requests tracks in-flight handler goroutines so teardown can
	// drain them before closing the session.
	requests sync.WaitGroup

	// pending tracks tags with a handler currently running, to tell
	// whether a Tflush actually cancels anything.
	pending sync.Map
}

func NewStyxConnection(server *StyxAdapter, conn net.Conn) *StyxConnection {
	return &StyxConnection{
		server:  server,
		conn:    conn,
		sess:    session.New(server.store, server.config.MaxMessageSize),
		limiter: ratelimiter.New(server.config.MaxRequestsPerSecond, server.config.RequestBurst),
	}
}

// Serve reads and dispatches requests until the context is cancelled,
// the connection fails, or the client disconnects. It implements panic
// recovery so a single misbehaving connection cannot crash the server.
func (c *StyxConnection) Serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler from %s: %v",
				c.conn.RemoteAddr().String(), r)
		}
		// Drain handlers before releasing the session's fids, then cut
		// the socket. Teardown uses a fresh context: the request
		// context is usually already cancelled at this point.
		c.requests.Wait()
		c.sess.Close(context.Background())
		_ = c.conn.Close()
	}()

	clientAddr := c.conn.RemoteAddr().String()
	logger.Debug("New Styx connection from %s", clientAddr)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Connection from %s closed due to context cancellation", clientAddr)
			return
		case <-c.server.shutdown:
			logger.Debug("Connection from %s closed due to server shutdown", clientAddr)
			return
		default:
		}

		msg, err := c.readMessage()
		if err != nil {
			var derr *styx.DecodeError
			if errors.As(err, &derr) {
				c.server.metrics.RecordDecodeError()
				// A readable header lets us answer with Rerror and
				// keep the connection; otherwise framing is lost and
				// the connection must drop.
				if derr.Tag != styx.NoTag {
					logger.Debug("Rejected malformed message from %s: %s", clientAddr, derr.Reason)
					if werr := c.writeResponse(&styx.Rerror{Tag: derr.Tag, Ename: derr.Reason}); werr == nil {
						continue
					}
					logger.Debug("Error writing Rerror to %s: %v", clientAddr, err)
					return
				}
				logger.Debug("Unrecoverable decode error from %s: %s", clientAddr, derr.Reason)
				return
			}

			if err == io.EOF {
				logger.Debug("Connection from %s closed by client", clientAddr)
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Debug("Connection from %s timed out: %v", clientAddr, err)
			} else {
				logger.Debug("Error reading from %s: %v", clientAddr, err)
			}
			return
		}

		// Throttling here delays the dispatch and the next read, so an
		// over-limit client slows down instead of erroring out.
		if err := c.limiter.Wait(ctx); err != nil {
			logger.Debug("Connection from %s closed while rate-limited: %v", clientAddr, err)
			return
		}

		c.requests.Add(1)
		go func(m styx.Message) {
			defer c.requests.Done()
			c.handleRequest(ctx, m)
		}(msg)
	}
}

// readMessage frames one message off the wire. Waiting for the size
// prefix is bounded by the idle timeout; reading the rest of the
// message by the read timeout.
func (c *StyxConnection) readMessage() (styx.Message, error) {
	if idle := c.server.config.IdleTimeout; idle > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return nil, fmt.Errorf("set idle deadline: %w", err)
		}
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	max := c.sess.Msize()
	if size < styx.HeaderLen || size > max {
		return nil, fmt.Errorf("message size %d outside [%d, %d]", size, styx.HeaderLen, max)
	}

	if read := c.server.config.ReadTimeout; read > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(read)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, size)
	if _, err := io.ReadFull(c.conn, buf[len(sizeBuf):]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read message body: %w", err)
	}

	msg, _, err := styx.Decode(buf)
	return msg, err
}

// handleRequest services one request end to end: dispatch to the
// session, metrics, and the response write.
func (c *StyxConnection) handleRequest(ctx context.Context, msg styx.Message) {
	kind := msg.Kind().String()
	tag := msg.MessageTag()

	// A Tflush only cancels something if the target still has a
	// handler running right now.
	if tf, ok := msg.(*styx.Tflush); ok {
		_, cancels := c.pending.Load(tf.OldTag)
		c.server.metrics.RecordFlush(cancels)
	}

	c.pending.Store(tag, struct{}{})
	defer c.pending.Delete(tag)

	c.server.metrics.RecordRequestStart(kind)
	defer c.server.metrics.RecordRequestEnd(kind)

	start := time.Now()
	resp := c.sess.Handle(ctx, msg)
	duration := time.Since(start)

	if resp == nil {
		// Flushed: the response is suppressed, only Rflush answers.
		c.server.metrics.RecordRequest(kind, duration, nil)
		return
	}

	var reqErr error
	if re, ok := resp.(*styx.Rerror); ok {
		reqErr = errors.New(re.Ename)
	}
	c.server.metrics.RecordRequest(kind, duration, reqErr)

	switch r := resp.(type) {
	case *styx.Rread:
		c.server.metrics.RecordBytesTransferred("read", int64(len(r.Data)))
	case *styx.Rwrite:
		c.server.metrics.RecordBytesTransferred("write", int64(r.Count))
	}

	if err := c.writeResponse(resp); err != nil {
		logger.Debug("Error writing %s response to %s: %v",
			kind, c.conn.RemoteAddr().String(), err)
		// Unblock the read loop; the connection is beyond saving.
		_ = c.conn.Close()
	}
}

// writeResponse sends one message under the write lock so concurrent
// handlers never interleave bytes on the wire.
func (c *StyxConnection) writeResponse(m styx.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if write := c.server.config.WriteTimeout; write > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(write)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	err := styx.WriteMessage(c.conn, m, c.sess.Msize())
	var eerr *styx.EncodeError
	if errors.As(err, &eerr) {
		// The response outgrew the negotiated msize; tell the client
		// instead of silently dropping the tag.
		logger.Warn("Response %s exceeds negotiated msize: %s", eerr.Kind, eerr.Reason)
		return styx.WriteMessage(c.conn, &styx.Rerror{Tag: m.MessageTag(), Ename: "response exceeds message size"}, c.sess.Msize())
	}
	return err
}

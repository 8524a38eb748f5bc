// Package client implements a Styx client. One Client multiplexes any
// number of concurrent requests over a single connection; replies are
// matched to callers by tag, so a slow read never blocks an unrelated
// stat. The high level File API lives in file.go.
package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marmos91/styxd/pkg/styx"
)

// Error is a protocol-level error reported by the server as an Rerror.
type Error string

func (e Error) Error() string { return string(e) }

// Config controls connection setup.
type Config struct {
	// MaxMessageSize is the msize proposed during version negotiation.
	// The server may lower it; 0 means 64KiB.
	MaxMessageSize uint32
}

const defaultMaxMessageSize = 64 * 1024

// Client is a Styx connection. Safe for concurrent use; each request
// occupies one tag until its reply (or flush) arrives.
type Client struct {
	conn  net.Conn
	msize atomic.Uint32

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[styx.Tag]chan styx.Message
	nextTag  uint16
	nextFid  uint32
	freeFids []styx.Fid

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial connects to addr and negotiates the protocol version.
func Dial(ctx context.Context, addr string, config Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, err := New(ctx, conn, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection and negotiates the protocol
// version. The client owns conn afterwards.
func New(ctx context.Context, conn net.Conn, config Config) (*Client, error) {
	msize := config.MaxMessageSize
	if msize == 0 {
		msize = defaultMaxMessageSize
	}
	if msize < styx.MinMessageSize {
		msize = styx.MinMessageSize
	}

	c := &Client{
		conn:    conn,
		pending: make(map[styx.Tag]chan styx.Message),
		closed:  make(chan struct{}),
	}
	c.msize.Store(msize)
	go c.readLoop()

	resp, err := c.rpc(ctx, &styx.Tversion{Tag: styx.NoTag, Msize: msize, Version: styx.Version})
	if err != nil {
		return nil, fmt.Errorf("version negotiation failed: %w", err)
	}
	rv, ok := resp.(*styx.Rversion)
	if !ok {
		return nil, fmt.Errorf("unexpected %T reply to Tversion", resp)
	}
	if rv.Version != styx.Version {
		return nil, fmt.Errorf("server version %q is not supported", rv.Version)
	}
	if rv.Msize < styx.MinMessageSize || rv.Msize > msize {
		return nil, fmt.Errorf("server negotiated unusable msize %d", rv.Msize)
	}
	c.msize.Store(rv.Msize)
	return c, nil
}

// Msize reports the negotiated maximum message size.
func (c *Client) Msize() uint32 {
	return c.msize.Load()
}

// Attach establishes the root of the server's tree for user and
// returns a File holding the root fid.
func (c *Client) Attach(ctx context.Context, user, aname string) (*File, error) {
	fid := c.allocFid()
	resp, err := c.rpc(ctx, &styx.Tattach{Fid: fid, Afid: styx.NoFid, Uname: user, Aname: aname})
	if err != nil {
		c.releaseFid(fid)
		return nil, err
	}
	ra, ok := resp.(*styx.Rattach)
	if !ok {
		c.releaseFid(fid)
		return nil, fmt.Errorf("unexpected %T reply to Tattach", resp)
	}
	return &File{c: c, fid: fid, qid: ra.Qid}, nil
}

// Close tears down the connection. Outstanding requests fail with the
// close error.
func (c *Client) Close() error {
	c.shutdown(fmt.Errorf("client closed"))
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.conn.Close()
	})
}

// readLoop demultiplexes replies to the goroutines that sent the
// matching request. It exits on the first read error, failing all
// in-flight requests.
func (c *Client) readLoop() {
	for {
		m, err := styx.ReadMessage(c.conn, c.msize.Load())
		if err != nil {
			c.shutdown(fmt.Errorf("connection lost: %w", err))
			return
		}

		tag := m.MessageTag()
		c.mu.Lock()
		ch, ok := c.pending[tag]
		if ok {
			delete(c.pending, tag)
		}
		c.mu.Unlock()
		if ok {
			ch <- m
		}
		// Unmatched replies belong to flushed requests; drop them.
	}
}

// setTag stamps the allocated tag into the request. Every T-message
// carries its tag in a plain struct field.
func setTag(m styx.Message, tag styx.Tag) {
	switch t := m.(type) {
	case *styx.Tversion:
		t.Tag = tag
	case *styx.Tauth:
		t.Tag = tag
	case *styx.Tattach:
		t.Tag = tag
	case *styx.Tflush:
		t.Tag = tag
	case *styx.Twalk:
		t.Tag = tag
	case *styx.Topen:
		t.Tag = tag
	case *styx.Tcreate:
		t.Tag = tag
	case *styx.Tread:
		t.Tag = tag
	case *styx.Twrite:
		t.Tag = tag
	case *styx.Tclunk:
		t.Tag = tag
	case *styx.Tremove:
		t.Tag = tag
	case *styx.Tstat:
		t.Tag = tag
	case *styx.Twstat:
		t.Tag = tag
	}
}

// rpc sends one request and waits for the matching reply. When ctx is
// cancelled first, the request is flushed so its tag can be reused.
func (c *Client) rpc(ctx context.Context, m styx.Message) (styx.Message, error) {
	tag, ch, err := c.register(m)
	if err != nil {
		return nil, err
	}

	if err := c.send(m); err != nil {
		c.unregister(tag)
		return nil, err
	}

	select {
	case resp := <-ch:
		if rerr, ok := resp.(*styx.Rerror); ok {
			return nil, Error(rerr.Ename)
		}
		return resp, nil
	case <-ctx.Done():
		c.flush(tag, ch)
		return nil, ctx.Err()
	case <-c.closed:
		c.unregister(tag)
		return nil, c.closeErr
	}
}

// flush abandons the request occupying tag. The tag stays registered
// until the server acknowledges the flush, as the reply may already be
// in flight.
func (c *Client) flush(tag styx.Tag, ch chan styx.Message) {
	defer c.unregister(tag)

	fm := &styx.Tflush{OldTag: tag}
	ftag, fch, err := c.register(fm)
	if err != nil {
		return
	}
	defer c.unregister(ftag)

	if err := c.send(fm); err != nil {
		return
	}
	select {
	case <-fch:
	case <-ch:
		// The original reply won the race; the Rflush still comes but
		// unregister drops it on the floor.
	case <-c.closed:
	}
}

// register allocates a tag, stamps it into m and parks a reply channel.
func (c *Client) register(m styx.Message) (styx.Tag, chan styx.Message, error) {
	select {
	case <-c.closed:
		return 0, nil, c.closeErr
	default:
	}

	ch := make(chan styx.Message, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	tag := styx.NoTag
	if _, isVersion := m.(*styx.Tversion); !isVersion {
		for {
			tag = styx.Tag(c.nextTag)
			c.nextTag++
			if tag == styx.NoTag {
				continue
			}
			if _, busy := c.pending[tag]; !busy {
				break
			}
		}
	}
	c.pending[tag] = ch
	setTag(m, tag)
	return tag, ch, nil
}

func (c *Client) unregister(tag styx.Tag) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
}

func (c *Client) send(m styx.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return styx.WriteMessage(c.conn, m, c.msize.Load())
}

// allocFid hands out the lowest free fid, reusing clunked ones first.
func (c *Client) allocFid() styx.Fid {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.freeFids); n > 0 {
		fid := c.freeFids[n-1]
		c.freeFids = c.freeFids[:n-1]
		return fid
	}
	fid := styx.Fid(c.nextFid)
	c.nextFid++
	return fid
}

func (c *Client) releaseFid(fid styx.Fid) {
	c.mu.Lock()
	c.freeFids = append(c.freeFids, fid)
	c.mu.Unlock()
}

// walkError renders a partial walk failure the way a Unix shell would
// report it.
func walkError(names []string, resolved int) error {
	return Error("no such file or directory: " + strings.Join(names[:resolved+1], "/"))
}

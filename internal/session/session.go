// Package session implements the per-connection 9P2000 protocol engine:
// version negotiation, the fid and tag tables, and the dispatcher that
// routes each typed request to a backend store and produces the typed
// response.
//
// One Session serves exactly one connection. Requests may be handled
// concurrently (the protocol allows pipelining via distinct tags); the
// session's tables use internal locking, and no lock is ever held across
// a call into the store.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// Session is the per-connection protocol state machine.
type Session struct {
	store    backend.Store
	maxMsize uint32

	mu        sync.Mutex
	msize     uint32
	versioned bool

	fids *fidTable
	tags *tagSet
}

// New creates a session for one connection. maxMessageSize caps the
// msize the session will negotiate; values below the protocol minimum
// are raised to it.
func New(store backend.Store, maxMessageSize uint32) *Session {
	if maxMessageSize < styx.MinMessageSize {
		maxMessageSize = styx.MinMessageSize
	}
	return &Session{
		store:    store,
		maxMsize: maxMessageSize,
		msize:    maxMessageSize,
		fids:     newFidTable(),
		tags:     newTagSet(),
	}
}

// Msize returns the current maximum message size: the negotiated msize
// once a version exchange happened, the server cap before that.
func (s *Session) Msize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msize
}

// Close releases every fid still held by the session. Called when the
// connection goes away, so the store can drop whatever it kept alive.
func (s *Session) Close(ctx context.Context) {
	for _, e := range s.fids.drain() {
		s.store.Clunk(ctx, e.ref)
	}
	s.tags.reset()
}

// Handle services one decoded request and returns the response to
// transmit. A nil response means it was suppressed because the request
// was successfully flushed; every other outcome, including failure,
// produces exactly one response carrying the request's tag.
func (s *Session) Handle(ctx context.Context, m styx.Message) styx.Message {
	tag := m.MessageTag()

	// Tversion resets the whole session and is exempt from tag
	// bookkeeping: it must work even when the tables are wedged.
	if req, ok := m.(*styx.Tversion); ok {
		return s.version(ctx, req)
	}

	op, err := s.tags.begin(tag)
	if err != nil {
		return s.rerror(tag, err)
	}
	defer s.tags.end(tag, op)

	resp := s.dispatch(ctx, m, op)

	if op.flushed.Load() {
		logger.Debug("suppressing response for flushed tag %d (%s)", tag, m.Kind())
		return nil
	}
	return resp
}

func (s *Session) dispatch(ctx context.Context, m styx.Message, op *inflight) styx.Message {
	// Everything below Tversion requires a negotiated version.
	s.mu.Lock()
	versioned := s.versioned
	s.mu.Unlock()
	if !versioned {
		return s.rerrorText(m.MessageTag(), "protocol version not negotiated")
	}

	switch req := m.(type) {
	case *styx.Tauth:
		return s.auth(ctx, req)
	case *styx.Tattach:
		return s.attach(ctx, req)
	case *styx.Tflush:
		return s.flush(ctx, req, op)
	case *styx.Twalk:
		return s.walk(ctx, req)
	case *styx.Topen:
		return s.open(ctx, req)
	case *styx.Tcreate:
		return s.create(ctx, req)
	case *styx.Tread:
		return s.read(ctx, req)
	case *styx.Twrite:
		return s.write(ctx, req)
	case *styx.Tclunk:
		return s.clunk(ctx, req)
	case *styx.Tremove:
		return s.remove(ctx, req)
	case *styx.Tstat:
		return s.stat(ctx, req)
	case *styx.Twstat:
		return s.wstat(ctx, req)
	default:
		// R-messages are never legal as requests.
		return s.rerrorText(m.MessageTag(), "unexpected message kind "+m.Kind().String())
	}
}

// version negotiates msize and version string and resets the session:
// every fid is released and the tag registry is cleared.
func (s *Session) version(ctx context.Context, req *styx.Tversion) styx.Message {
	msize := req.Msize
	if msize > s.maxMsize {
		msize = s.maxMsize
	}
	if msize < styx.MinMessageSize {
		msize = styx.MinMessageSize
	}

	version := styx.UnknownVersion
	supported := strings.HasPrefix(req.Version, styx.Version)
	if supported {
		version = styx.Version
	}

	for _, e := range s.fids.drain() {
		s.store.Clunk(ctx, e.ref)
	}
	s.tags.reset()

	s.mu.Lock()
	s.msize = msize
	s.versioned = supported
	s.mu.Unlock()

	logger.Debug("negotiated version=%s msize=%d (requested %s/%d)",
		version, msize, req.Version, req.Msize)
	return &styx.Rversion{Tag: req.Tag, Msize: msize, Version: version}
}

func (s *Session) auth(ctx context.Context, req *styx.Tauth) styx.Message {
	auth, ok := s.store.(backend.AuthStore)
	if !ok {
		return s.rerrorText(req.Tag, "authentication not required")
	}
	if s.fids.has(req.Afid) {
		return s.rerror(req.Tag, ErrDupFid)
	}

	ref, qid, err := auth.Auth(ctx, req.Uname, req.Aname)
	if err != nil {
		return s.rerror(req.Tag, err)
	}

	e := &fidEntry{fid: req.Afid, ref: ref, qid: qid, isAuth: true,
		open: true, mode: styx.ORDWR}
	if err := s.fids.insert(e); err != nil {
		s.store.Clunk(ctx, ref)
		return s.rerror(req.Tag, err)
	}
	return &styx.Rauth{Tag: req.Tag, Aqid: qid}
}

func (s *Session) attach(ctx context.Context, req *styx.Tattach) styx.Message {
	var authRef backend.Ref
	if req.Afid != styx.NoFid {
		e, err := s.fids.lookup(req.Afid)
		if err != nil {
			return s.rerror(req.Tag, err)
		}
		if !e.isAuth {
			return s.rerrorText(req.Tag, "fid is not an auth fid")
		}
		authRef = e.ref
	}
	if s.fids.has(req.Fid) {
		return s.rerror(req.Tag, ErrDupFid)
	}

	ref, qid, err := s.store.Attach(ctx, authRef, req.Uname, req.Aname)
	if err != nil {
		return s.rerror(req.Tag, err)
	}

	if err := s.fids.insert(&fidEntry{fid: req.Fid, ref: ref, qid: qid}); err != nil {
		s.store.Clunk(ctx, ref)
		return s.rerror(req.Tag, err)
	}
	return &styx.Rattach{Tag: req.Tag, Qid: qid}
}

// flush marks the target request cancelled and answers only once the
// target has actually finished, so the client can retire both tags. A
// target that already completed, was never seen, or is the flush itself
// is a trivial success.
func (s *Session) flush(ctx context.Context, req *styx.Tflush, op *inflight) styx.Message {
	if req.OldTag == req.Tag {
		return &styx.Rflush{Tag: req.Tag}
	}
	target := s.tags.flush(req.OldTag)
	if target == nil {
		return &styx.Rflush{Tag: req.Tag}
	}
	select {
	case <-target.done:
	case <-ctx.Done():
		// Connection is going away; nobody is left to read the reply.
	}
	return &styx.Rflush{Tag: req.Tag}
}

// walk resolves path elements one at a time from the source fid. A
// zero-length walk clones the source into the new fid without touching
// the store; a partial resolution reports the qids that did resolve and
// commits nothing; failure on the very first element is an error.
func (s *Session) walk(ctx context.Context, req *styx.Twalk) styx.Message {
	src, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if src.open {
		return s.rerrorText(req.Tag, "cannot walk from an open fid")
	}

	if len(req.Names) == 0 {
		if req.NewFid != req.Fid {
			// The new fid gets its own reference so clunking either fid
			// leaves the other intact.
			ref, err := s.store.Clone(ctx, src.ref)
			if err != nil {
				return s.rerror(req.Tag, err)
			}
			clone := &fidEntry{fid: req.NewFid, ref: ref, qid: src.qid}
			if err := s.fids.insert(clone); err != nil {
				s.store.Clunk(ctx, ref)
				return s.rerror(req.Tag, err)
			}
		}
		return &styx.Rwalk{Tag: req.Tag}
	}

	if req.NewFid == req.Fid {
		return s.rerrorText(req.Tag, "walk cannot reuse the source fid")
	}
	if s.fids.has(req.NewFid) {
		return s.rerror(req.Tag, ErrDupFid)
	}

	qids := make([]styx.Qid, 0, len(req.Names))
	ref := src.ref
	for i, name := range req.Names {
		next, qid, err := s.store.WalkOne(ctx, ref, name)
		if err != nil {
			// Intermediate references past the source belong to nobody;
			// hand them back.
			if i > 0 {
				s.store.Clunk(ctx, ref)
			}
			if i == 0 {
				return s.rerror(req.Tag, err)
			}
			return &styx.Rwalk{Tag: req.Tag, Qids: qids}
		}
		if i > 0 {
			s.store.Clunk(ctx, ref)
		}
		ref = next
		qids = append(qids, qid)
	}

	e := &fidEntry{fid: req.NewFid, ref: ref, qid: qids[len(qids)-1]}
	if err := s.fids.insert(e); err != nil {
		s.store.Clunk(ctx, ref)
		return s.rerror(req.Tag, err)
	}
	return &styx.Rwalk{Tag: req.Tag, Qids: qids}
}

func (s *Session) open(ctx context.Context, req *styx.Topen) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if e.open {
		return s.rerror(req.Tag, errAlreadyOpen)
	}

	iounit, err := s.store.Open(ctx, e.ref, req.Mode)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if iounit == 0 {
		iounit = s.defaultIOUnit()
	}

	if err := s.fids.markOpen(req.Fid, req.Mode, iounit); err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Ropen{Tag: req.Tag, Qid: e.qid, IOUnit: iounit}
}

func (s *Session) create(ctx context.Context, req *styx.Tcreate) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if e.open {
		return s.rerror(req.Tag, errAlreadyOpen)
	}
	if !e.qid.IsDir() {
		return s.rerror(req.Tag, backend.ErrNotDir)
	}

	ref, qid, err := s.store.Create(ctx, e.ref, req.Name, req.Perm, req.Mode)
	if err != nil {
		return s.rerror(req.Tag, err)
	}

	iounit := s.defaultIOUnit()
	old, err := s.fids.rebind(req.Fid, ref, qid, req.Mode, iounit)
	if err != nil {
		s.store.Clunk(ctx, ref)
		return s.rerror(req.Tag, err)
	}
	// The fid no longer refers to the directory.
	s.store.Clunk(ctx, old)
	return &styx.Rcreate{Tag: req.Tag, Qid: qid, IOUnit: iounit}
}

func (s *Session) read(ctx context.Context, req *styx.Tread) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if !e.open || !e.mode.Readable() {
		return s.rerrorText(req.Tag, "fid not open for reading")
	}

	// The response must fit in the negotiated msize, whatever the
	// client asked for.
	count := req.Count
	if max := s.Msize() - styx.ReadOverhead; count > max {
		count = max
	}

	data, err := s.store.Read(ctx, e.ref, req.Offset, count)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Rread{Tag: req.Tag, Data: data}
}

func (s *Session) write(ctx context.Context, req *styx.Twrite) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if !e.open || !e.mode.Writable() {
		return s.rerrorText(req.Tag, "fid not open for writing")
	}

	n, err := s.store.Write(ctx, e.ref, req.Offset, req.Data)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Rwrite{Tag: req.Tag, Count: n}
}

func (s *Session) clunk(ctx context.Context, req *styx.Tclunk) styx.Message {
	e, err := s.fids.remove(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	// The fid is gone whatever the store thinks of it.
	s.store.Clunk(ctx, e.ref)
	return &styx.Rclunk{Tag: req.Tag}
}

func (s *Session) remove(ctx context.Context, req *styx.Tremove) styx.Message {
	e, err := s.fids.remove(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	// Remove clunks even on failure; the error is advisory.
	if err := s.store.Remove(ctx, e.ref); err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Rremove{Tag: req.Tag}
}

func (s *Session) stat(ctx context.Context, req *styx.Tstat) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	st, err := s.store.Stat(ctx, e.ref)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Rstat{Tag: req.Tag, Stat: st}
}

func (s *Session) wstat(ctx context.Context, req *styx.Twstat) styx.Message {
	e, err := s.fids.lookup(req.Fid)
	if err != nil {
		return s.rerror(req.Tag, err)
	}
	if err := s.store.WStat(ctx, e.ref, req.Stat); err != nil {
		return s.rerror(req.Tag, err)
	}
	return &styx.Rwstat{Tag: req.Tag}
}

func (s *Session) defaultIOUnit() uint32 {
	msize := s.Msize()
	if msize <= styx.IOOverhead {
		return 0
	}
	return msize - styx.IOOverhead
}

func (s *Session) rerror(tag styx.Tag, err error) *styx.Rerror {
	return &styx.Rerror{Tag: tag, Ename: err.Error()}
}

func (s *Session) rerrorText(tag styx.Tag, text string) *styx.Rerror {
	return &styx.Rerror{Tag: tag, Ename: text}
}

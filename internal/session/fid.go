package session

import (
	"errors"
	"sync"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// Protocol-level misuse of the fid and tag tables by a client.
var (
	ErrUnknownFid  = errors.New("unknown fid")
	ErrDupFid      = errors.New("fid already in use")
	ErrTagInFlight = errors.New("tag already in flight")
)

// fidEntry is the state the session keeps per live fid. The ref is owned
// by the backend store; the entry merely keeps it alive between
// requests. Open state is only ever set once: a fid cannot be re-opened.
type fidEntry struct {
	fid    styx.Fid
	ref    backend.Ref
	qid    styx.Qid
	isAuth bool

	open   bool
	mode   styx.OpenMode
	iounit uint32
}

// fidTable maps client-chosen fids to entries. All operations are
// transactional: they either fully succeed or leave the table unchanged.
// The mutex is never held across a backend call.
type fidTable struct {
	mu      sync.Mutex
	entries map[styx.Fid]*fidEntry
}

func newFidTable() *fidTable {
	return &fidTable{entries: make(map[styx.Fid]*fidEntry)}
}

// insert binds fid to a fresh entry. Fails with ErrDupFid when the fid
// is already bound.
func (t *fidTable) insert(e *fidEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[e.fid]; ok {
		return ErrDupFid
	}
	t.entries[e.fid] = e
	return nil
}

// lookup returns a snapshot of the entry bound to fid. The snapshot is
// safe to read after the lock is gone; commits go through the table
// again.
func (t *fidTable) lookup(fid styx.Fid) (fidEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fid]
	if !ok {
		return fidEntry{}, ErrUnknownFid
	}
	return *e, nil
}

// has reports whether fid is currently bound.
func (t *fidTable) has(fid styx.Fid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[fid]
	return ok
}

// remove unbinds fid and returns the entry it held, so the caller can
// hand the ref back to the store.
func (t *fidTable) remove(fid styx.Fid) (fidEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fid]
	if !ok {
		return fidEntry{}, ErrUnknownFid
	}
	delete(t.entries, fid)
	return *e, nil
}

// markOpen commits open state after the backend call succeeded. Fails
// when the fid disappeared or was opened concurrently in the meantime.
func (t *fidTable) markOpen(fid styx.Fid, mode styx.OpenMode, iounit uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fid]
	if !ok {
		return ErrUnknownFid
	}
	if e.open {
		return errAlreadyOpen
	}
	e.open = true
	e.mode = mode
	e.iounit = iounit
	return nil
}

// rebind points fid at a different resource, as Tcreate does, and
// returns the ref it previously held.
func (t *fidTable) rebind(fid styx.Fid, ref backend.Ref, qid styx.Qid, mode styx.OpenMode, iounit uint32) (backend.Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fid]
	if !ok {
		return nil, ErrUnknownFid
	}
	old := e.ref
	e.ref = ref
	e.qid = qid
	e.open = true
	e.mode = mode
	e.iounit = iounit
	return old, nil
}

// drain empties the table and returns every entry, for release at
// session reset or teardown.
func (t *fidTable) drain() []fidEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]fidEntry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, *e)
	}
	t.entries = make(map[styx.Fid]*fidEntry)
	return all
}

var errAlreadyOpen = errors.New("fid already open")

// Package memfs implements an in-memory backend store. The whole tree
// lives in a mutex-guarded map of nodes, which makes it the reference
// backend for tests and for serving small generated trees.
package memfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// node is one entry in the tree. children is nil for files.
type node struct {
	name     string
	qid      styx.Qid
	mode     styx.FileMode
	atime    uint32
	mtime    uint32
	uid      string
	gid      string
	muid     string
	parent   *node
	children map[string]*node
	data     []byte
}

func (n *node) isDir() bool { return n.children != nil }

// Store is an in-memory backend.Store. References handed to sessions
// are node pointers; Clunk is a no-op since the garbage collector owns
// node lifetime.
type Store struct {
	mu       sync.RWMutex
	root     *node
	nextPath uint64
}

// New creates an empty in-memory store owned by user.
func New(user string) *Store {
	s := &Store{}
	now := unixNow()
	s.root = &node{
		name:     "/",
		qid:      styx.Qid{Type: styx.QTDIR, Path: s.allocPath()},
		mode:     styx.DMDIR | 0755,
		atime:    now,
		mtime:    now,
		uid:      user,
		gid:      user,
		muid:     user,
		children: make(map[string]*node),
	}
	s.root.parent = s.root
	return s
}

// NewFromMap creates a store pre-populated with the given entries.
// Keys are slash-separated paths; intermediate directories are created
// as needed.
func NewFromMap(user string, entries map[string][]byte) (*Store, error) {
	s := New(user)
	for path, data := range entries {
		if err := s.Put(path, data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put creates or replaces the file at the slash-separated path,
// creating intermediate directories.
func (s *Store) Put(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.root
	names := strings.Split(strings.Trim(path, "/"), "/")
	if len(names) == 1 && names[0] == "" {
		return backend.ErrBadName
	}
	for i, name := range names {
		if name == "" || name == "." || name == ".." {
			return backend.ErrBadName
		}
		last := i == len(names)-1
		child, ok := cur.children[name]
		if !ok {
			perm := styx.FileMode(0644)
			if !last {
				perm = styx.DMDIR | 0755
			}
			child = s.newNode(cur, name, perm)
			cur.children[name] = child
		}
		if last {
			if child.isDir() {
				return backend.ErrIsDir
			}
			child.data = append([]byte(nil), data...)
			child.touch()
		} else if !child.isDir() {
			return backend.ErrNotDir
		}
		cur = child
	}
	return nil
}

func (s *Store) allocPath() uint64 {
	s.nextPath++
	return s.nextPath
}

// newNode must be called with s.mu held.
func (s *Store) newNode(parent *node, name string, perm styx.FileMode) *node {
	now := unixNow()
	n := &node{
		name:   name,
		mode:   perm,
		atime:  now,
		mtime:  now,
		uid:    parent.uid,
		gid:    parent.gid,
		muid:   parent.uid,
		parent: parent,
	}
	n.qid = styx.Qid{Path: s.allocPath()}
	if perm&styx.DMDIR != 0 {
		n.qid.Type = styx.QTDIR
		n.children = make(map[string]*node)
	}
	return n
}

// touch bumps the qid version and modification time after a change.
func (n *node) touch() {
	n.qid.Version++
	n.mtime = unixNow()
}

func unixNow() uint32 {
	return uint32(time.Now().Unix())
}

func (s *Store) Attach(ctx context.Context, auth backend.Ref, uname, aname string) (backend.Ref, styx.Qid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root, s.root.qid, nil
}

func (s *Store) WalkOne(ctx context.Context, ref backend.Ref, name string) (backend.Ref, styx.Qid, error) {
	n := ref.(*node)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !n.isDir() {
		return nil, styx.Qid{}, backend.ErrNotDir
	}
	if name == ".." {
		// Walking up from the root stays at the root.
		return n.parent, n.parent.qid, nil
	}
	child, ok := n.children[name]
	if !ok {
		return nil, styx.Qid{}, backend.ErrNotFound
	}
	return child, child.qid, nil
}

func (s *Store) Clone(ctx context.Context, ref backend.Ref) (backend.Ref, error) {
	// Refs carry no per-fid state; the node pointer itself is the clone.
	return ref, nil
}

func (s *Store) Open(ctx context.Context, ref backend.Ref, mode styx.OpenMode) (uint32, error) {
	n := ref.(*node)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.isDir() {
		if mode.Writable() || mode&styx.OTRUNC != 0 {
			return 0, backend.ErrIsDir
		}
		return 0, nil
	}
	if mode&styx.OTRUNC != 0 {
		n.data = nil
		n.touch()
	}
	n.atime = unixNow()
	return 0, nil
}

func (s *Store) Create(ctx context.Context, dir backend.Ref, name string, perm styx.FileMode, mode styx.OpenMode) (backend.Ref, styx.Qid, error) {
	d := dir.(*node)

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, styx.Qid{}, backend.ErrBadName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !d.isDir() {
		return nil, styx.Qid{}, backend.ErrNotDir
	}
	if _, ok := d.children[name]; ok {
		return nil, styx.Qid{}, backend.ErrExists
	}

	// Permission bits are masked with the parent directory's, the same
	// rule Plan 9 file servers apply.
	if perm&styx.DMDIR != 0 {
		perm &= ^styx.FileMode(0777) | (d.mode & 0777)
	} else {
		perm &= ^styx.FileMode(0666) | (d.mode & 0666)
	}

	n := s.newNode(d, name, perm)
	d.children[name] = n
	d.touch()
	return n, n.qid, nil
}

func (s *Store) Read(ctx context.Context, ref backend.Ref, offset uint64, count uint32) ([]byte, error) {
	n := ref.(*node)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var src []byte
	if n.isDir() {
		entries := make([]styx.Stat, 0, len(n.children))
		for _, child := range sortedChildren(n) {
			entries = append(entries, statOf(child))
		}
		src = styx.EncodeDirEntries(entries)
	} else {
		src = n.data
	}

	if offset >= uint64(len(src)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(src)) {
		end = uint64(len(src))
	}
	out := make([]byte, end-offset)
	copy(out, src[offset:end])
	return out, nil
}

func (s *Store) Write(ctx context.Context, ref backend.Ref, offset uint64, data []byte) (uint32, error) {
	n := ref.(*node)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.isDir() {
		return 0, backend.ErrIsDir
	}

	need := offset + uint64(len(data))
	if need > uint64(len(n.data)) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:], data)
	n.touch()
	return uint32(len(data)), nil
}

func (s *Store) Stat(ctx context.Context, ref backend.Ref) (styx.Stat, error) {
	n := ref.(*node)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return statOf(n), nil
}

func (s *Store) WStat(ctx context.Context, ref backend.Ref, stat styx.Stat) error {
	n := ref.(*node)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before changing anything, so a failed wstat
	// is atomic.
	rename := stat.Name != "" && stat.Name != n.name
	if rename {
		if n == s.root {
			return backend.ErrPermission
		}
		if stat.Name == "." || stat.Name == ".." || strings.ContainsRune(stat.Name, '/') {
			return backend.ErrBadName
		}
		if _, ok := n.parent.children[stat.Name]; ok {
			return backend.ErrExists
		}
	}
	if stat.ModeSet() && (stat.Mode&styx.DMDIR != 0) != n.isDir() {
		return backend.ErrPermission
	}
	if stat.LengthSet() && n.isDir() && stat.Length != 0 {
		return backend.ErrIsDir
	}

	if rename {
		delete(n.parent.children, n.name)
		n.name = stat.Name
		n.parent.children[n.name] = n
		n.parent.touch()
	}
	if stat.ModeSet() {
		n.mode = (n.mode & styx.DMDIR) | (stat.Mode &^ styx.DMDIR)
	}
	if stat.LengthSet() && !n.isDir() {
		if stat.Length < uint64(len(n.data)) {
			n.data = n.data[:stat.Length]
		} else if stat.Length > uint64(len(n.data)) {
			grown := make([]byte, stat.Length)
			copy(grown, n.data)
			n.data = grown
		}
	}
	if stat.AtimeSet() {
		n.atime = stat.Atime
	}
	if stat.MtimeSet() {
		n.mtime = stat.Mtime
	}
	if rename || stat.ModeSet() || stat.LengthSet() || stat.MtimeSet() {
		n.qid.Version++
	}
	return nil
}

func (s *Store) Clunk(ctx context.Context, ref backend.Ref) {}

func (s *Store) Remove(ctx context.Context, ref backend.Ref) error {
	n := ref.(*node)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n == s.root {
		return backend.ErrPermission
	}
	if n.isDir() && len(n.children) > 0 {
		return backend.ErrNotEmpty
	}
	// Removing twice, or removing after a rename raced past us, is
	// caught by identity.
	if cur, ok := n.parent.children[n.name]; !ok || cur != n {
		return backend.ErrNotFound
	}
	delete(n.parent.children, n.name)
	n.parent.touch()
	return nil
}

// statOf must be called with s.mu held (read or write).
func statOf(n *node) styx.Stat {
	length := uint64(len(n.data))
	if n.isDir() {
		length = 0
	}
	return styx.Stat{
		Qid:    n.qid,
		Mode:   n.mode,
		Atime:  n.atime,
		Mtime:  n.mtime,
		Length: length,
		Name:   n.name,
		UID:    n.uid,
		GID:    n.gid,
		MUID:   n.muid,
	}
}

// sortedChildren returns the directory's children in name order so
// directory reads are stable across calls.
func sortedChildren(n *node) []*node {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*node, 0, len(names))
	for _, name := range names {
		out = append(out, n.children[name])
	}
	return out
}

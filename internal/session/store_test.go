package session

import (
	"context"
	"sync"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// fakeNode is one entry in the in-memory tree behind fakeStore.
type fakeNode struct {
	name     string
	qid      styx.Qid
	data     []byte
	children map[string]*fakeNode
}

// fakeStore is a minimal backend for dispatcher tests. Refs are
// *fakeNode pointers; every release and removal is recorded so tests
// can assert on reference bookkeeping.
type fakeStore struct {
	mu       sync.Mutex
	root     *fakeNode
	nextPath uint64

	clunked  []backend.Ref
	removed  []string
	readGate chan struct{} // non-nil: Read blocks until closed

	failRemove error
}

func newFakeStore() *fakeStore {
	s := &fakeStore{nextPath: 1}
	s.root = &fakeNode{
		name:     "/",
		qid:      styx.Qid{Type: styx.QTDIR, Path: s.nextPath},
		children: make(map[string]*fakeNode),
	}
	return s
}

// addFile attaches a file at a slash-separated path under the root,
// creating intermediate directories.
func (s *fakeStore) addFile(path string, data []byte) *fakeNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.root
	names := splitPath(path)
	for i, name := range names {
		child, ok := cur.children[name]
		if !ok {
			s.nextPath++
			child = &fakeNode{name: name, qid: styx.Qid{Path: s.nextPath}}
			if i < len(names)-1 {
				child.qid.Type = styx.QTDIR
				child.children = make(map[string]*fakeNode)
			}
			cur.children[name] = child
		}
		cur = child
	}
	cur.data = data
	return cur
}

func splitPath(path string) []string {
	var names []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				names = append(names, path[start:i])
			}
			start = i + 1
		}
	}
	return names
}

func (s *fakeStore) clunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clunked)
}

func (s *fakeStore) Attach(ctx context.Context, auth backend.Ref, uname, aname string) (backend.Ref, styx.Qid, error) {
	return s.root, s.root.qid, nil
}

func (s *fakeStore) WalkOne(ctx context.Context, ref backend.Ref, name string) (backend.Ref, styx.Qid, error) {
	node := ref.(*fakeNode)
	if node.children == nil {
		return nil, styx.Qid{}, backend.ErrNotDir
	}
	s.mu.Lock()
	child, ok := node.children[name]
	s.mu.Unlock()
	if !ok {
		return nil, styx.Qid{}, backend.ErrNotFound
	}
	return child, child.qid, nil
}

func (s *fakeStore) Clone(ctx context.Context, ref backend.Ref) (backend.Ref, error) {
	return ref, nil
}

func (s *fakeStore) Open(ctx context.Context, ref backend.Ref, mode styx.OpenMode) (uint32, error) {
	return 0, nil
}

func (s *fakeStore) Create(ctx context.Context, dir backend.Ref, name string, perm styx.FileMode, mode styx.OpenMode) (backend.Ref, styx.Qid, error) {
	node := dir.(*fakeNode)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := node.children[name]; ok {
		return nil, styx.Qid{}, backend.ErrExists
	}
	s.nextPath++
	child := &fakeNode{name: name, qid: styx.Qid{Path: s.nextPath}}
	if perm&styx.DMDIR != 0 {
		child.qid.Type = styx.QTDIR
		child.children = make(map[string]*fakeNode)
	}
	node.children[name] = child
	return child, child.qid, nil
}

func (s *fakeStore) Read(ctx context.Context, ref backend.Ref, offset uint64, count uint32) ([]byte, error) {
	s.mu.Lock()
	gate := s.readGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	node := ref.(*fakeNode)
	if offset >= uint64(len(node.data)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(node.data)) {
		end = uint64(len(node.data))
	}
	return node.data[offset:end], nil
}

func (s *fakeStore) Write(ctx context.Context, ref backend.Ref, offset uint64, data []byte) (uint32, error) {
	node := ref.(*fakeNode)
	s.mu.Lock()
	defer s.mu.Unlock()
	need := offset + uint64(len(data))
	if need > uint64(len(node.data)) {
		grown := make([]byte, need)
		copy(grown, node.data)
		node.data = grown
	}
	copy(node.data[offset:], data)
	return uint32(len(data)), nil
}

func (s *fakeStore) Stat(ctx context.Context, ref backend.Ref) (styx.Stat, error) {
	node := ref.(*fakeNode)
	st := styx.NullStat()
	st.Name = node.name
	st.Qid = node.qid
	st.Length = uint64(len(node.data))
	st.Mode = 0644
	if node.qid.IsDir() {
		st.Mode = styx.DMDIR | 0755
	}
	return st, nil
}

func (s *fakeStore) WStat(ctx context.Context, ref backend.Ref, stat styx.Stat) error {
	node := ref.(*fakeNode)
	if stat.Name != "" {
		s.mu.Lock()
		node.name = stat.Name
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeStore) Clunk(ctx context.Context, ref backend.Ref) {
	s.mu.Lock()
	s.clunked = append(s.clunked, ref)
	s.mu.Unlock()
}

func (s *fakeStore) Remove(ctx context.Context, ref backend.Ref) error {
	if s.failRemove != nil {
		return s.failRemove
	}
	node := ref.(*fakeNode)
	s.mu.Lock()
	s.removed = append(s.removed, node.name)
	s.mu.Unlock()
	return nil
}

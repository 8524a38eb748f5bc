// Package badgerfs implements a persistent backend store on BadgerDB.
// The tree survives restarts: node metadata, content and parent/child
// links live in namespaced key ranges (see keys.go), with UUID node
// identities so renames never invalidate qids.
package badgerfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// Config controls how the database is opened.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the whole database in RAM. Useful for tests and
	// ephemeral servers; nothing survives Close.
	InMemory bool

	// User owns the root directory on first initialization.
	User string
}

// Store is a persistent backend.Store. A single read-write mutex
// serializes mutating transactions, which sidesteps BadgerDB's
// optimistic conflict detection; the coarse locking is simple and
// metadata transactions are short.
type Store struct {
	mu     sync.RWMutex
	db     *badger.DB
	rootID uuid.UUID
}

// fileRef is the resource reference handed to sessions. The UUID never
// changes over the node's lifetime; open state is per-reference.
type fileRef struct {
	id uuid.UUID

	mu   sync.Mutex
	open bool
}

// New opens (or initializes) a store at config.Path.
func New(config Config) (*Store, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Metadata records are tiny, compression overhead is not worth it.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Path, err)
	}

	s := &Store{db: db}
	if err := s.initRoot(config.User); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize root: %w", err)
	}
	return s, nil
}

// initRoot creates the root directory on first open and loads its UUID
// on every subsequent one.
func (s *Store) initRoot(user string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		id, err := getUUID(txn, keyRoot())
		if err == nil {
			s.rootID = id
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id = uuid.New()
		now := unixNow()
		rec := fileRecord{
			Name:  "/",
			Mode:  styx.DMDIR | 0755,
			Atime: now,
			Mtime: now,
			UID:   user,
			GID:   user,
			MUID:  user,
		}
		if err := putRecord(txn, id, &rec); err != nil {
			return err
		}
		if err := txn.Set(keyRoot(), id[:]); err != nil {
			return err
		}
		s.rootID = id
		return nil
	})
}

// Close releases the database. In-flight references are invalid after
// Close returns.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Attach(ctx context.Context, auth backend.Ref, uname, aname string) (backend.Ref, styx.Qid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var qid styx.Qid
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, s.rootID)
		if err != nil {
			return err
		}
		qid = qidOf(s.rootID, &rec)
		return nil
	})
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{id: s.rootID}, qid, nil
}

func (s *Store) WalkOne(ctx context.Context, ref backend.Ref, name string) (backend.Ref, styx.Qid, error) {
	r := ref.(*fileRef)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		childID uuid.UUID
		qid     styx.Qid
	)
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		if !rec.isDir() {
			return backend.ErrNotDir
		}

		if name == ".." {
			parentID, err := getUUID(txn, keyParent(r.id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Walking up from the root stays at the root.
				childID, qid = r.id, qidOf(r.id, &rec)
				return nil
			}
			if err != nil {
				return err
			}
			parentRec, err := getRecord(txn, parentID)
			if err != nil {
				return err
			}
			childID, qid = parentID, qidOf(parentID, &parentRec)
			return nil
		}

		childID, err = getUUID(txn, keyChild(r.id, name))
		if err != nil {
			return err
		}
		childRec, err := getRecord(txn, childID)
		if err != nil {
			return err
		}
		qid = qidOf(childID, &childRec)
		return nil
	})
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{id: childID}, qid, nil
}

func (s *Store) Clone(ctx context.Context, ref backend.Ref) (backend.Ref, error) {
	// A fresh ref with its own open state; the source is never open.
	return &fileRef{id: ref.(*fileRef).id}, nil
}

func (s *Store) Create(ctx context.Context, dir backend.Ref, name string, perm styx.FileMode, mode styx.OpenMode) (backend.Ref, styx.Qid, error) {
	d := dir.(*fileRef)

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, styx.Qid{}, backend.ErrBadName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newID := uuid.New()
	var qid styx.Qid
	err := s.db.Update(func(txn *badger.Txn) error {
		parent, err := getRecord(txn, d.id)
		if err != nil {
			return err
		}
		if !parent.isDir() {
			return backend.ErrNotDir
		}
		if _, err := txn.Get(keyChild(d.id, name)); err == nil {
			return backend.ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// Permission bits are masked with the parent directory's, the
		// same rule Plan 9 file servers apply.
		if perm&styx.DMDIR != 0 {
			perm &= ^styx.FileMode(0777) | (parent.Mode & 0777)
		} else {
			perm &= ^styx.FileMode(0666) | (parent.Mode & 0666)
		}

		now := unixNow()
		rec := fileRecord{
			Name:  name,
			Mode:  perm,
			Atime: now,
			Mtime: now,
			UID:   parent.UID,
			GID:   parent.GID,
			MUID:  parent.UID,
		}
		if err := putRecord(txn, newID, &rec); err != nil {
			return err
		}
		if err := txn.Set(keyChild(d.id, name), newID[:]); err != nil {
			return err
		}
		if err := txn.Set(keyParent(newID), d.id[:]); err != nil {
			return err
		}

		parent.touch()
		if err := putRecord(txn, d.id, &parent); err != nil {
			return err
		}

		qid = qidOf(newID, &rec)
		return nil
	})
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{id: newID, open: true}, qid, nil
}

func (s *Store) Stat(ctx context.Context, ref backend.Ref) (styx.Stat, error) {
	r := ref.(*fileRef)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stat styx.Stat
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		stat = statOf(r.id, &rec)
		return nil
	})
	if err != nil {
		return styx.Stat{}, mapError(err)
	}
	return stat, nil
}

func (s *Store) Clunk(ctx context.Context, ref backend.Ref) {
	r := ref.(*fileRef)
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
}

func (s *Store) Remove(ctx context.Context, ref backend.Ref) error {
	r := ref.(*fileRef)
	defer s.Clunk(ctx, r)

	if r.id == s.rootID {
		return backend.ErrPermission
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		if rec.isDir() && !dirIsEmpty(txn, r.id) {
			return backend.ErrNotEmpty
		}

		parentID, err := getUUID(txn, keyParent(r.id))
		if err != nil {
			return err
		}
		if err := txn.Delete(keyChild(parentID, rec.Name)); err != nil {
			return err
		}
		if err := txn.Delete(keyParent(r.id)); err != nil {
			return err
		}
		if err := txn.Delete(keyFile(r.id)); err != nil {
			return err
		}
		if err := txn.Delete(keyData(r.id)); err != nil {
			return err
		}

		parent, err := getRecord(txn, parentID)
		if err != nil {
			return err
		}
		parent.touch()
		return putRecord(txn, parentID, &parent)
	})
	return mapError(err)
}

func dirIsEmpty(txn *badger.Txn, id uuid.UUID) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = keyChildPrefix(id)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	return !it.Valid()
}

// mapError folds BadgerDB errors into the sentinel set sessions turn
// into protocol errors.
func mapError(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return backend.ErrNotFound
	}
	return err
}

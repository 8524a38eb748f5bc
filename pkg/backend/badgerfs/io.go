package badgerfs

import (
	"context"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

func (s *Store) Open(ctx context.Context, ref backend.Ref, mode styx.OpenMode) (uint32, error) {
	r := ref.(*fileRef)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return 0, backend.ErrExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		if rec.isDir() {
			if mode.Writable() || mode&styx.OTRUNC != 0 {
				return backend.ErrIsDir
			}
			return nil
		}
		if mode&styx.OTRUNC != 0 {
			if err := txn.Delete(keyData(r.id)); err != nil {
				return err
			}
			rec.Length = 0
			rec.touch()
		}
		rec.Atime = unixNow()
		return putRecord(txn, r.id, &rec)
	})
	if err != nil {
		return 0, mapError(err)
	}
	r.open = true
	return 0, nil
}

func (s *Store) Read(ctx context.Context, ref backend.Ref, offset uint64, count uint32) ([]byte, error) {
	r := ref.(*fileRef)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var src []byte
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		if rec.isDir() {
			src, err = packDir(txn, r.id)
			return err
		}

		r.mu.Lock()
		open := r.open
		r.mu.Unlock()
		if !open {
			return backend.ErrNotOpen
		}
		src, err = getData(txn, r.id)
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}

	if offset >= uint64(len(src)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(src)) {
		end = uint64(len(src))
	}
	return src[offset:end], nil
}

// packDir encodes the directory's members as packed stat records.
// Child keys sort by member name, so the listing order is stable.
func packDir(txn *badger.Txn, id uuid.UUID) ([]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyChildPrefix(id)
	it := txn.NewIterator(opts)
	defer it.Close()

	var entries []styx.Stat
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		childID, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		rec, err := getRecord(txn, childID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, statOf(childID, &rec))
	}
	return styx.EncodeDirEntries(entries), nil
}

func (s *Store) Write(ctx context.Context, ref backend.Ref, offset uint64, data []byte) (uint32, error) {
	r := ref.(*fileRef)

	r.mu.Lock()
	open := r.open
	r.mu.Unlock()
	if !open {
		return 0, backend.ErrNotOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}
		if rec.isDir() {
			return backend.ErrIsDir
		}

		cur, err := getData(txn, r.id)
		if err != nil {
			return err
		}
		need := offset + uint64(len(data))
		if need > uint64(len(cur)) {
			grown := make([]byte, need)
			copy(grown, cur)
			cur = grown
		}
		copy(cur[offset:], data)
		if err := txn.Set(keyData(r.id), cur); err != nil {
			return err
		}

		rec.Length = uint64(len(cur))
		rec.touch()
		return putRecord(txn, r.id, &rec)
	})
	if err != nil {
		return 0, mapError(err)
	}
	return uint32(len(data)), nil
}

func (s *Store) WStat(ctx context.Context, ref backend.Ref, stat styx.Stat) error {
	r := ref.(*fileRef)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, r.id)
		if err != nil {
			return err
		}

		// Validate everything before changing anything, so a failed
		// wstat is atomic.
		rename := stat.Name != "" && stat.Name != rec.Name
		var parentID uuid.UUID
		if rename {
			if r.id == s.rootID {
				return backend.ErrPermission
			}
			if stat.Name == "." || stat.Name == ".." || strings.ContainsRune(stat.Name, '/') {
				return backend.ErrBadName
			}
			parentID, err = getUUID(txn, keyParent(r.id))
			if err != nil {
				return err
			}
			if _, err := txn.Get(keyChild(parentID, stat.Name)); err == nil {
				return backend.ErrExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if stat.ModeSet() && (stat.Mode&styx.DMDIR != 0) != rec.isDir() {
			return backend.ErrPermission
		}
		if stat.LengthSet() && rec.isDir() && stat.Length != 0 {
			return backend.ErrIsDir
		}

		if rename {
			if err := txn.Delete(keyChild(parentID, rec.Name)); err != nil {
				return err
			}
			if err := txn.Set(keyChild(parentID, stat.Name), r.id[:]); err != nil {
				return err
			}
			rec.Name = stat.Name

			parent, err := getRecord(txn, parentID)
			if err != nil {
				return err
			}
			parent.touch()
			if err := putRecord(txn, parentID, &parent); err != nil {
				return err
			}
		}
		if stat.ModeSet() {
			rec.Mode = (rec.Mode & styx.DMDIR) | (stat.Mode &^ styx.DMDIR)
		}
		if stat.LengthSet() && !rec.isDir() && stat.Length != rec.Length {
			cur, err := getData(txn, r.id)
			if err != nil {
				return err
			}
			if stat.Length < uint64(len(cur)) {
				cur = cur[:stat.Length]
			} else {
				grown := make([]byte, stat.Length)
				copy(grown, cur)
				cur = grown
			}
			if err := txn.Set(keyData(r.id), cur); err != nil {
				return err
			}
			rec.Length = stat.Length
		}
		if stat.AtimeSet() {
			rec.Atime = stat.Atime
		}
		if stat.MtimeSet() {
			rec.Mtime = stat.Mtime
		}
		if rename || stat.ModeSet() || stat.LengthSet() || stat.MtimeSet() {
			rec.Version++
		}
		return putRecord(txn, r.id, &rec)
	})
	return mapError(err)
}

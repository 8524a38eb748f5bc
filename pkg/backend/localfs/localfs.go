// Package localfs implements a backend store over a directory of the
// local file system. References are paths resolved beneath the root
// directory; qid paths come from inode numbers so a file keeps its
// identity across walks.
package localfs

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// Store serves the tree rooted at a local directory.
type Store struct {
	root string
	user string
}

// fileRef is the reference handed to sessions: a root-relative path
// plus the open handle once Open succeeded.
type fileRef struct {
	rel string

	mu sync.Mutex
	f  *os.File
}

// New creates a store serving the directory at root. The directory must
// exist. user is reported as the owner in stat records.
func New(root, user string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, backend.ErrNotDir
	}
	return &Store{root: abs, user: user}, nil
}

// abs resolves a root-relative reference path to the real path.
func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) Attach(ctx context.Context, auth backend.Ref, uname, aname string) (backend.Ref, styx.Qid, error) {
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{rel: ""}, qidOf(info), nil
}

func (s *Store) WalkOne(ctx context.Context, ref backend.Ref, name string) (backend.Ref, styx.Qid, error) {
	r := ref.(*fileRef)

	info, err := os.Stat(s.abs(r.rel))
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	if !info.IsDir() {
		return nil, styx.Qid{}, backend.ErrNotDir
	}

	var rel string
	switch name {
	case "..":
		// Climbing out of the tree is clamped at the root.
		rel = path.Dir(r.rel)
		if rel == "." || rel == "/" {
			rel = ""
		}
	case "", ".":
		return nil, styx.Qid{}, backend.ErrBadName
	default:
		if strings.ContainsRune(name, '/') {
			return nil, styx.Qid{}, backend.ErrBadName
		}
		rel = path.Join(r.rel, name)
	}

	info, err = os.Stat(s.abs(rel))
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{rel: rel}, qidOf(info), nil
}

func (s *Store) Clone(ctx context.Context, ref backend.Ref) (backend.Ref, error) {
	// A fresh ref with its own handle slot; the source is never open.
	return &fileRef{rel: ref.(*fileRef).rel}, nil
}

func (s *Store) Open(ctx context.Context, ref backend.Ref, mode styx.OpenMode) (uint32, error) {
	r := ref.(*fileRef)

	info, err := os.Stat(s.abs(r.rel))
	if err != nil {
		return 0, mapError(err)
	}
	if info.IsDir() {
		if mode.Writable() || mode&styx.OTRUNC != 0 {
			return 0, backend.ErrIsDir
		}
		// Directories are read via ReadDir, no handle to keep.
		return 0, nil
	}

	flags, err := openFlags(mode)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.abs(r.rel), flags, 0)
	if err != nil {
		return 0, mapError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		_ = f.Close()
		return 0, backend.ErrExists
	}
	r.f = f
	return 0, nil
}

func openFlags(mode styx.OpenMode) (int, error) {
	var flags int
	switch {
	case mode.Readable() && mode.Writable():
		flags = os.O_RDWR
	case mode.Writable():
		flags = os.O_WRONLY
	case mode.Readable():
		flags = os.O_RDONLY
	default:
		return 0, backend.ErrPermission
	}
	if mode&styx.OTRUNC != 0 {
		flags |= os.O_TRUNC
	}
	return flags, nil
}

func (s *Store) Create(ctx context.Context, dir backend.Ref, name string, perm styx.FileMode, mode styx.OpenMode) (backend.Ref, styx.Qid, error) {
	d := dir.(*fileRef)

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, styx.Qid{}, backend.ErrBadName
	}

	parentInfo, err := os.Stat(s.abs(d.rel))
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	if !parentInfo.IsDir() {
		return nil, styx.Qid{}, backend.ErrNotDir
	}

	rel := path.Join(d.rel, name)
	full := s.abs(rel)
	parentBits := styx.FileMode(parentInfo.Mode().Perm())

	if perm&styx.DMDIR != 0 {
		bits := os.FileMode(perm & (^styx.FileMode(0777) | parentBits) & 0777)
		if err := os.Mkdir(full, bits); err != nil {
			return nil, styx.Qid{}, mapError(err)
		}
		info, err := os.Stat(full)
		if err != nil {
			return nil, styx.Qid{}, mapError(err)
		}
		return &fileRef{rel: rel}, qidOf(info), nil
	}

	flags, err := openFlags(mode)
	if err != nil {
		return nil, styx.Qid{}, err
	}
	bits := os.FileMode(perm & (^styx.FileMode(0666) | (parentBits & 0666)) & 0777)
	f, err := os.OpenFile(full, flags|os.O_CREATE|os.O_EXCL, bits)
	if err != nil {
		return nil, styx.Qid{}, mapError(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, styx.Qid{}, mapError(err)
	}
	return &fileRef{rel: rel, f: f}, qidOf(info), nil
}

func (s *Store) Read(ctx context.Context, ref backend.Ref, offset uint64, count uint32) ([]byte, error) {
	r := ref.(*fileRef)

	r.mu.Lock()
	f := r.f
	r.mu.Unlock()

	if f == nil {
		// Directories never carry a handle.
		info, err := os.Stat(s.abs(r.rel))
		if err != nil {
			return nil, mapError(err)
		}
		if !info.IsDir() {
			return nil, backend.ErrNotOpen
		}
		return s.readDir(r.rel, offset, count)
	}

	buf := make([]byte, count)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, mapError(err)
	}
	return buf[:n], nil
}

// readDir packs the directory's entries as consecutive stat records and
// slices the result at byte granularity, so sequential client reads see
// a stable snapshot layout per call.
func (s *Store) readDir(rel string, offset uint64, count uint32) ([]byte, error) {
	entries, err := os.ReadDir(s.abs(rel))
	if err != nil {
		return nil, mapError(err)
	}

	stats := make([]styx.Stat, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}
		stats = append(stats, s.statOf(info))
	}
	packed := styx.EncodeDirEntries(stats)

	if offset >= uint64(len(packed)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(packed)) {
		end = uint64(len(packed))
	}
	return packed[offset:end], nil
}

func (s *Store) Write(ctx context.Context, ref backend.Ref, offset uint64, data []byte) (uint32, error) {
	r := ref.(*fileRef)

	r.mu.Lock()
	f := r.f
	r.mu.Unlock()

	if f == nil {
		return 0, backend.ErrNotOpen
	}
	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return uint32(n), mapError(err)
	}
	return uint32(n), nil
}

func (s *Store) Stat(ctx context.Context, ref backend.Ref) (styx.Stat, error) {
	r := ref.(*fileRef)

	info, err := os.Stat(s.abs(r.rel))
	if err != nil {
		return styx.Stat{}, mapError(err)
	}
	st := s.statOf(info)
	if r.rel == "" {
		st.Name = "/"
	}
	return st, nil
}

func (s *Store) WStat(ctx context.Context, ref backend.Ref, stat styx.Stat) error {
	r := ref.(*fileRef)
	full := s.abs(r.rel)

	info, err := os.Stat(full)
	if err != nil {
		return mapError(err)
	}

	if stat.Name != "" && stat.Name != path.Base(r.rel) {
		if r.rel == "" {
			return backend.ErrPermission
		}
		if stat.Name == "." || stat.Name == ".." || strings.ContainsRune(stat.Name, '/') {
			return backend.ErrBadName
		}
		newRel := path.Join(path.Dir(r.rel), stat.Name)
		newFull := s.abs(newRel)
		if _, err := os.Stat(newFull); err == nil {
			return backend.ErrExists
		}
		if err := os.Rename(full, newFull); err != nil {
			return mapError(err)
		}
		r.mu.Lock()
		r.rel = newRel
		r.mu.Unlock()
		full = newFull
	}

	if stat.ModeSet() {
		if (stat.Mode&styx.DMDIR != 0) != info.IsDir() {
			return backend.ErrPermission
		}
		if err := os.Chmod(full, os.FileMode(stat.Mode&0777)); err != nil {
			return mapError(err)
		}
	}

	if stat.LengthSet() {
		if info.IsDir() {
			if stat.Length != 0 {
				return backend.ErrIsDir
			}
		} else if err := os.Truncate(full, int64(stat.Length)); err != nil {
			return mapError(err)
		}
	}

	if stat.AtimeSet() || stat.MtimeSet() {
		atime := info.ModTime()
		mtime := info.ModTime()
		if stat.AtimeSet() {
			atime = unixTime(stat.Atime)
		}
		if stat.MtimeSet() {
			mtime = unixTime(stat.Mtime)
		}
		if err := os.Chtimes(full, atime, mtime); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (s *Store) Clunk(ctx context.Context, ref backend.Ref) {
	r := ref.(*fileRef)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
}

func (s *Store) Remove(ctx context.Context, ref backend.Ref) error {
	r := ref.(*fileRef)

	defer s.Clunk(ctx, ref)

	if r.rel == "" {
		return backend.ErrPermission
	}
	if err := os.Remove(s.abs(r.rel)); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) statOf(info fs.FileInfo) styx.Stat {
	mode := styx.FileMode(info.Mode().Perm())
	length := uint64(info.Size())
	if info.IsDir() {
		mode |= styx.DMDIR
		length = 0
	}
	st := styx.Stat{
		Qid:    qidOf(info),
		Mode:   mode,
		Mtime:  uint32(info.ModTime().Unix()),
		Atime:  uint32(info.ModTime().Unix()),
		Length: length,
		Name:   info.Name(),
		UID:    s.user,
		GID:    s.user,
		MUID:   s.user,
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.Atime = uint32(sys.Atim.Sec)
	}
	return st
}

// qidOf derives the qid from the inode number where the platform
// exposes one, falling back to a name hash. The version tracks the
// modification time so caches notice changes.
func qidOf(info fs.FileInfo) styx.Qid {
	q := styx.Qid{Version: uint32(info.ModTime().Unix())}
	if info.IsDir() {
		q.Type = styx.QTDIR
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		q.Path = sys.Ino
	} else {
		h := fnv.New64a()
		_, _ = h.Write([]byte(info.Name()))
		q.Path = h.Sum64()
	}
	return q
}

func unixTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return backend.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return backend.ErrPermission
	case errors.Is(err, fs.ErrExist):
		return backend.ErrExists
	case errors.Is(err, syscall.ENOTEMPTY):
		return backend.ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		return backend.ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		return backend.ErrIsDir
	default:
		return err
	}
}

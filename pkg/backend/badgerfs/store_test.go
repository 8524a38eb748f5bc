package badgerfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{InMemory: true, User: "glenda"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newPopulated seeds hello, docs/readme and docs/guide through the
// public interface, the way a session would.
func newPopulated(t *testing.T) *Store {
	t.Helper()
	s := newStore(t)
	mkdir(t, s, "docs")
	mkfile(t, s, []string{}, "hello", []byte("hello world"))
	mkfile(t, s, []string{"docs"}, "readme", []byte("read me first"))
	mkfile(t, s, []string{"docs"}, "guide", []byte("the guide"))
	return s
}

func mkdir(t *testing.T, s *Store, name string) {
	t.Helper()
	root := walkPath(t, s)
	_, _, err := s.Create(context.Background(), root, name, styx.DMDIR|0755, styx.OREAD)
	require.NoError(t, err)
}

func mkfile(t *testing.T, s *Store, dir []string, name string, data []byte) {
	t.Helper()
	ctx := context.Background()
	parent := walkPath(t, s, dir...)
	ref, _, err := s.Create(ctx, parent, name, 0644, styx.OWRITE)
	require.NoError(t, err)
	_, err = s.Write(ctx, ref, 0, data)
	require.NoError(t, err)
	s.Clunk(ctx, ref)
}

// walkPath resolves a chain of names from the root.
func walkPath(t *testing.T, s *Store, names ...string) backend.Ref {
	t.Helper()
	ctx := context.Background()
	ref, _, err := s.Attach(ctx, nil, "glenda", "")
	require.NoError(t, err)
	for _, name := range names {
		var werr error
		ref, _, werr = s.WalkOne(ctx, ref, name)
		require.NoError(t, werr, "walk %q", name)
	}
	return ref
}

func openAndRead(t *testing.T, s *Store, ref backend.Ref) []byte {
	t.Helper()
	ctx := context.Background()
	_, err := s.Open(ctx, ref, styx.OREAD)
	require.NoError(t, err)
	data, err := s.Read(ctx, ref, 0, 1<<16)
	require.NoError(t, err)
	return data
}

func TestAttachAndWalk(t *testing.T) {
	s := newPopulated(t)
	ctx := context.Background()

	t.Run("AttachReturnsDirectoryRoot", func(t *testing.T) {
		_, qid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		assert.True(t, qid.IsDir())
	})

	t.Run("WalkResolvesNestedPath", func(t *testing.T) {
		ref := walkPath(t, s, "docs", "readme")
		st, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "readme", st.Name)
		assert.Equal(t, uint64(len("read me first")), st.Length)
	})

	t.Run("WalkUnknownNameFails", func(t *testing.T) {
		root := walkPath(t, s)
		_, _, err := s.WalkOne(ctx, root, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("WalkThroughFileFails", func(t *testing.T) {
		hello := walkPath(t, s, "hello")
		_, _, err := s.WalkOne(ctx, hello, "x")
		assert.ErrorIs(t, err, backend.ErrNotDir)
	})

	t.Run("DotDotClampsAtRoot", func(t *testing.T) {
		root := walkPath(t, s)
		_, rootQid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, qid, err := s.WalkOne(ctx, root, "..")
		require.NoError(t, err)
		assert.Equal(t, rootQid.Path, qid.Path)
	})

	t.Run("DotDotFromSubdirectory", func(t *testing.T) {
		docs := walkPath(t, s, "docs")
		_, rootQid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, qid, err := s.WalkOne(ctx, docs, "..")
		require.NoError(t, err)
		assert.Equal(t, rootQid.Path, qid.Path)
	})
}

func TestOpenReadWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadsBackWrittenData", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		assert.Equal(t, []byte("hello world"), openAndRead(t, s, hello))
	})

	t.Run("ReadAtOffsetSlices", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		_, err := s.Open(ctx, hello, styx.OREAD)
		require.NoError(t, err)
		data, err := s.Read(ctx, hello, 6, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("world"), data)
		data, err = s.Read(ctx, hello, 100, 5)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("ReadWithoutOpenFails", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		_, err := s.Read(ctx, hello, 0, 16)
		assert.ErrorIs(t, err, backend.ErrNotOpen)
	})

	t.Run("SecondOpenOnSameRefFails", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		_, err := s.Open(ctx, hello, styx.OREAD)
		require.NoError(t, err)
		_, err = s.Open(ctx, hello, styx.OREAD)
		assert.ErrorIs(t, err, backend.ErrExists)
	})

	t.Run("WriteBeyondEndExtends", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		_, err := s.Open(ctx, hello, styx.ORDWR)
		require.NoError(t, err)
		n, err := s.Write(ctx, hello, 16, []byte("tail"))
		require.NoError(t, err)
		assert.Equal(t, uint32(4), n)
		st, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), st.Length)
	})

	t.Run("WriteBumpsQidVersion", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		before, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		_, err = s.Open(ctx, hello, styx.OWRITE)
		require.NoError(t, err)
		_, err = s.Write(ctx, hello, 0, []byte("x"))
		require.NoError(t, err)
		after, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Greater(t, after.Qid.Version, before.Qid.Version)
	})

	t.Run("TruncateOnOpenClearsContent", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		_, err := s.Open(ctx, hello, styx.ORDWR|styx.OTRUNC)
		require.NoError(t, err)
		st, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Zero(t, st.Length)
	})

	t.Run("OpenDirectoryForWriteFails", func(t *testing.T) {
		s := newPopulated(t)
		docs := walkPath(t, s, "docs")
		_, err := s.Open(ctx, docs, styx.OWRITE)
		assert.ErrorIs(t, err, backend.ErrIsDir)
	})
}

func TestDirectoryRead(t *testing.T) {
	s := newPopulated(t)
	ctx := context.Background()

	t.Run("ListsMembersInNameOrder", func(t *testing.T) {
		docs := walkPath(t, s, "docs")
		packed, err := s.Read(ctx, docs, 0, 1<<16)
		require.NoError(t, err)
		entries, err := styx.DecodeDirEntries(packed)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "guide", entries[0].Name)
		assert.Equal(t, "readme", entries[1].Name)
	})

	t.Run("OffsetContinuesListing", func(t *testing.T) {
		docs := walkPath(t, s, "docs")
		packed, err := s.Read(ctx, docs, 0, 1<<16)
		require.NoError(t, err)
		entries, err := styx.DecodeDirEntries(packed)
		require.NoError(t, err)
		first := uint64(len(styx.EncodeStat(entries[0])))

		rest, err := s.Read(ctx, docs, first, 1<<16)
		require.NoError(t, err)
		tail, err := styx.DecodeDirEntries(rest)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, "readme", tail[0].Name)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateFileIsOpenForIO", func(t *testing.T) {
		s := newStore(t)
		root := walkPath(t, s)
		ref, qid, err := s.Create(ctx, root, "note", 0644, styx.OWRITE)
		require.NoError(t, err)
		assert.False(t, qid.IsDir())
		_, err = s.Write(ctx, ref, 0, []byte("jot"))
		require.NoError(t, err)
	})

	t.Run("CreateDuplicateFails", func(t *testing.T) {
		s := newPopulated(t)
		root := walkPath(t, s)
		_, _, err := s.Create(ctx, root, "hello", 0644, styx.OWRITE)
		assert.ErrorIs(t, err, backend.ErrExists)
	})

	t.Run("CreateRejectsBadNames", func(t *testing.T) {
		s := newStore(t)
		root := walkPath(t, s)
		for _, name := range []string{"", ".", "..", "a/b"} {
			_, _, err := s.Create(ctx, root, name, 0644, styx.OWRITE)
			assert.ErrorIs(t, err, backend.ErrBadName, "name %q", name)
		}
	})

	t.Run("MasksPermissionsWithParent", func(t *testing.T) {
		s := newStore(t)
		root := walkPath(t, s)
		dir, _, err := s.Create(ctx, root, "private", styx.DMDIR|0700, styx.OREAD)
		require.NoError(t, err)
		ref, _, err := s.Create(ctx, dir, "key", 0666, styx.OWRITE)
		require.NoError(t, err)
		st, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, styx.FileMode(0600), st.Mode&0777)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("RemoveFileUnlinksIt", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		require.NoError(t, s.Remove(ctx, hello))
		root := walkPath(t, s)
		_, _, err := s.WalkOne(ctx, root, "hello")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("RemoveNonEmptyDirectoryFails", func(t *testing.T) {
		s := newPopulated(t)
		docs := walkPath(t, s, "docs")
		assert.ErrorIs(t, s.Remove(ctx, docs), backend.ErrNotEmpty)
	})

	t.Run("RemoveEmptiedDirectorySucceeds", func(t *testing.T) {
		s := newPopulated(t)
		require.NoError(t, s.Remove(ctx, walkPath(t, s, "docs", "readme")))
		require.NoError(t, s.Remove(ctx, walkPath(t, s, "docs", "guide")))
		assert.NoError(t, s.Remove(ctx, walkPath(t, s, "docs")))
	})

	t.Run("RemoveRootFails", func(t *testing.T) {
		s := newPopulated(t)
		root := walkPath(t, s)
		assert.ErrorIs(t, s.Remove(ctx, root), backend.ErrPermission)
	})

	t.Run("RemoveTwiceFails", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		require.NoError(t, s.Remove(ctx, hello))
		assert.ErrorIs(t, s.Remove(ctx, hello), backend.ErrNotFound)
	})
}

func TestWStat(t *testing.T) {
	ctx := context.Background()

	t.Run("Rename", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		st := styx.NullStat()
		st.Name = "greeting"
		require.NoError(t, s.WStat(ctx, hello, st))

		root := walkPath(t, s)
		_, _, err := s.WalkOne(ctx, root, "hello")
		assert.ErrorIs(t, err, backend.ErrNotFound)
		renamed := walkPath(t, s, "greeting")
		assert.Equal(t, []byte("hello world"), openAndRead(t, s, renamed))
	})

	t.Run("RenameOntoExistingFails", func(t *testing.T) {
		s := newPopulated(t)
		readme := walkPath(t, s, "docs", "readme")
		st := styx.NullStat()
		st.Name = "guide"
		assert.ErrorIs(t, s.WStat(ctx, readme, st), backend.ErrExists)
	})

	t.Run("RenameRootFails", func(t *testing.T) {
		s := newPopulated(t)
		root := walkPath(t, s)
		st := styx.NullStat()
		st.Name = "elsewhere"
		assert.ErrorIs(t, s.WStat(ctx, root, st), backend.ErrPermission)
	})

	t.Run("Chmod", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		st := styx.NullStat()
		st.Mode = 0400
		require.NoError(t, s.WStat(ctx, hello, st))
		got, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Equal(t, styx.FileMode(0400), got.Mode)
	})

	t.Run("TruncateViaLength", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		st := styx.NullStat()
		st.Length = 5
		require.NoError(t, s.WStat(ctx, hello, st))
		assert.Equal(t, []byte("hello"), openAndRead(t, s, hello))
	})

	t.Run("SetMtime", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		st := styx.NullStat()
		st.Mtime = 1000000000
		require.NoError(t, s.WStat(ctx, hello, st))
		got, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Equal(t, uint32(1000000000), got.Mtime)
	})

	t.Run("NullStatTouchesNothing", func(t *testing.T) {
		s := newPopulated(t)
		hello := walkPath(t, s, "hello")
		before, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		require.NoError(t, s.WStat(ctx, hello, styx.NullStat()))
		after, err := s.Stat(ctx, hello)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Config{Path: dir, User: "glenda"})
	require.NoError(t, err)
	root := walkPath(t, s)
	ref, qid, err := s.Create(ctx, root, "kept", 0644, styx.OWRITE)
	require.NoError(t, err)
	_, err = s.Write(ctx, ref, 0, []byte("survives restart"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{Path: dir, User: "glenda"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	kept := walkPath(t, s, "kept")
	st, err := s.Stat(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, qid.Path, st.Qid.Path, "qid path is stable across restarts")
	assert.Equal(t, []byte("survives restart"), openAndRead(t, s, kept))
}

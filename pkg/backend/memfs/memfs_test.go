package memfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

func newPopulated(t *testing.T) *Store {
	t.Helper()
	s, err := NewFromMap("glenda", map[string][]byte{
		"hello":       []byte("hello world"),
		"docs/readme": []byte("read me first"),
		"docs/guide":  []byte("the guide"),
	})
	require.NoError(t, err)
	return s
}

// walkPath resolves a slash-free chain of names from the root.
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
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, root, "missing")
		require.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("WalkThroughFileFails", func(t *testing.T) {
		file := walkPath(t, s, "hello")
		_, _, err := s.WalkOne(ctx, file, "anything")
		require.ErrorIs(t, err, backend.ErrNotDir)
	})

	t.Run("DotDotFromRootStaysAtRoot", func(t *testing.T) {
		root, rootQid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, qid, err := s.WalkOne(ctx, root, "..")
		require.NoError(t, err)
		assert.Equal(t, rootQid, qid)
	})

	t.Run("DotDotClimbsToParent", func(t *testing.T) {
		docs := walkPath(t, s, "docs")
		_, qid, err := s.WalkOne(ctx, docs, "..")
		require.NoError(t, err)
		assert.True(t, qid.IsDir())
		_, rootQid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		assert.Equal(t, rootQid, qid)
	})
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadSlices", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		_, err := s.Open(ctx, ref, styx.OREAD)
		require.NoError(t, err)

		data, err := s.Read(ctx, ref, 6, 100)
		require.NoError(t, err)
		assert.Equal(t, []byte("world"), data)

		data, err = s.Read(ctx, ref, 100, 10)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("WriteExtendsFile", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")

		n, err := s.Write(ctx, ref, 6, []byte("styx!"))
		require.NoError(t, err)
		assert.Equal(t, uint32(5), n)

		data, err := s.Read(ctx, ref, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello styx!"), data)
	})

	t.Run("WriteBumpsQidVersion", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		before, err := s.Stat(ctx, ref)
		require.NoError(t, err)

		_, err = s.Write(ctx, ref, 0, []byte("x"))
		require.NoError(t, err)

		after, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Greater(t, after.Qid.Version, before.Qid.Version)
	})

	t.Run("TruncateOnOpen", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		_, err := s.Open(ctx, ref, styx.OWRITE|styx.OTRUNC)
		require.NoError(t, err)

		st, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Zero(t, st.Length)
	})

	t.Run("WriteToDirectoryFails", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "docs")
		_, err := s.Write(ctx, ref, 0, []byte("x"))
		require.ErrorIs(t, err, backend.ErrIsDir)
	})

	t.Run("OpenDirectoryForWritingFails", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "docs")
		_, err := s.Open(ctx, ref, styx.ORDWR)
		require.ErrorIs(t, err, backend.ErrIsDir)
	})
}

func TestDirectoryRead(t *testing.T) {
	s := newPopulated(t)
	ctx := context.Background()
	ref := walkPath(t, s, "docs")

	data, err := s.Read(ctx, ref, 0, 8192)
	require.NoError(t, err)

	entries, err := styx.DecodeDirEntries(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Entries come back in name order.
	assert.Equal(t, "guide", entries[0].Name)
	assert.Equal(t, "readme", entries[1].Name)

	// Byte-offset reads continue where the previous one stopped.
	first := styx.EncodeStat(entries[0])
	rest, err := s.Read(ctx, ref, uint64(len(first)), 8192)
	require.NoError(t, err)
	tail, err := styx.DecodeDirEntries(rest)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "readme", tail[0].Name)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesFileInDirectory", func(t *testing.T) {
		s := newPopulated(t)
		dir := walkPath(t, s, "docs")

		ref, qid, err := s.Create(ctx, dir, "notes", 0644, styx.ORDWR)
		require.NoError(t, err)
		assert.False(t, qid.IsDir())

		_, err = s.Write(ctx, ref, 0, []byte("new"))
		require.NoError(t, err)
	})

	t.Run("CreatesSubdirectory", func(t *testing.T) {
		s := newPopulated(t)
		dir := walkPath(t, s, "docs")

		ref, qid, err := s.Create(ctx, dir, "sub", styx.DMDIR|0755, styx.OREAD)
		require.NoError(t, err)
		assert.True(t, qid.IsDir())

		_, _, err = s.Create(ctx, ref, "nested", 0644, styx.OREAD)
		require.NoError(t, err)
	})

	t.Run("RejectsDuplicateName", func(t *testing.T) {
		s := newPopulated(t)
		dir := walkPath(t, s, "docs")
		_, _, err := s.Create(ctx, dir, "readme", 0644, styx.OREAD)
		require.ErrorIs(t, err, backend.ErrExists)
	})

	t.Run("RejectsBadNames", func(t *testing.T) {
		s := newPopulated(t)
		dir := walkPath(t, s, "docs")
		for _, name := range []string{"", ".", "..", "a/b"} {
			_, _, err := s.Create(ctx, dir, name, 0644, styx.OREAD)
			assert.ErrorIs(t, err, backend.ErrBadName, "name %q", name)
		}
	})

	t.Run("MasksPermissionsWithParent", func(t *testing.T) {
		s := New("glenda")
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)

		dirRef, _, err := s.Create(ctx, root, "locked", styx.DMDIR|0700, styx.OREAD)
		require.NoError(t, err)

		fileRef, _, err := s.Create(ctx, dirRef, "secret", 0666, styx.OREAD)
		require.NoError(t, err)

		st, err := s.Stat(ctx, fileRef)
		require.NoError(t, err)
		// Group and other bits fall away under a 0700 parent.
		assert.Equal(t, styx.FileMode(0600), st.Mode&0777)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("RemovesFile", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		require.NoError(t, s.Remove(ctx, ref))

		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, root, "hello")
		require.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("RejectsNonEmptyDirectory", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "docs")
		require.ErrorIs(t, s.Remove(ctx, ref), backend.ErrNotEmpty)
	})

	t.Run("RejectsRoot", func(t *testing.T) {
		s := newPopulated(t)
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		require.ErrorIs(t, s.Remove(ctx, root), backend.ErrPermission)
	})

	t.Run("SecondRemoveFails", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		require.NoError(t, s.Remove(ctx, ref))
		require.ErrorIs(t, s.Remove(ctx, ref), backend.ErrNotFound)
	})
}

func TestWStat(t *testing.T) {
	ctx := context.Background()

	t.Run("Rename", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")

		st := styx.NullStat()
		st.Name = "greeting"
		require.NoError(t, s.WStat(ctx, ref, st))

		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, root, "greeting")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, root, "hello")
		require.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("RenameOntoExistingNameFails", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "docs", "guide")

		st := styx.NullStat()
		st.Name = "readme"
		require.ErrorIs(t, s.WStat(ctx, ref, st), backend.ErrExists)
	})

	t.Run("Chmod", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")

		st := styx.NullStat()
		st.Mode = 0400
		require.NoError(t, s.WStat(ctx, ref, st))

		got, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, styx.FileMode(0400), got.Mode)
	})

	t.Run("TruncateViaLength", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")

		st := styx.NullStat()
		st.Length = 5
		require.NoError(t, s.WStat(ctx, ref, st))

		data, err := s.Read(ctx, ref, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("NullStatTouchesNothing", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")
		before, err := s.Stat(ctx, ref)
		require.NoError(t, err)

		require.NoError(t, s.WStat(ctx, ref, styx.NullStat()))

		after, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("SetTimes", func(t *testing.T) {
		s := newPopulated(t)
		ref := walkPath(t, s, "hello")

		st := styx.NullStat()
		st.Mtime = 12345
		require.NoError(t, s.WStat(ctx, ref, st))

		got, err := s.Stat(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, uint32(12345), got.Mtime)
	})
}

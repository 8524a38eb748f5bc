package s3fs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// fakeClient serves a fixed key set the way S3 would, including
// delimiter grouping and ranged reads.
type fakeClient struct {
	bucket  string
	objects map[string][]byte
	mtime   time.Time
}

func newFakeClient(objects map[string][]byte) *fakeClient {
	return &fakeClient{
		bucket:  "test-bucket",
		objects: objects,
		mtime:   time.Unix(1700000000, 0),
	}
}

func (c *fakeClient) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(params.Bucket) != c.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (c *fakeClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := c.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(c.mtime),
	}, nil
}

func (c *fakeClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := c.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	if r := aws.ToString(params.Range); r != "" {
		var start, end uint64
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q", r)
		}
		if start >= uint64(len(data)) {
			return nil, fmt.Errorf("InvalidRange: requested range not satisfiable")
		}
		if end >= uint64(len(data)) {
			end = uint64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(c.mtime),
	}, nil
}

func (c *fakeClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	keys := make([]string, 0, len(c.objects))
	for key := range c.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, key := range keys {
		rest := key[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		data := c.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(data))),
			LastModified: aws.Time(c.mtime),
		})
		if params.MaxKeys != nil && int32(len(out.Contents)) >= aws.ToInt32(params.MaxKeys) {
			break
		}
	}
	return out, nil
}

func newTestStore(t *testing.T, objects map[string][]byte, keyPrefix string) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		Client:    newFakeClient(objects),
		Bucket:    "test-bucket",
		KeyPrefix: keyPrefix,
		User:      "glenda",
	})
	require.NoError(t, err)
	return s
}

func testObjects() map[string][]byte {
	return map[string][]byte{
		"hello":       []byte("hello world"),
		"docs/readme": []byte("read me first"),
		"docs/guide":  []byte("the guide"),
		"docs/":       nil, // folder marker left by the console
	}
}

func TestNew(t *testing.T) {
	t.Run("RequiresClientAndBucket", func(t *testing.T) {
		_, err := New(context.Background(), Config{Bucket: "b"})
		assert.Error(t, err)
		_, err = New(context.Background(), Config{Client: newFakeClient(nil)})
		assert.Error(t, err)
	})

	t.Run("VerifiesBucketAccess", func(t *testing.T) {
		_, err := New(context.Background(), Config{
			Client: newFakeClient(nil),
			Bucket: "wrong-bucket",
		})
		assert.Error(t, err)
	})
}

func TestWalk(t *testing.T) {
	s := newTestStore(t, testObjects(), "")
	ctx := context.Background()

	t.Run("AttachReturnsDirectoryRoot", func(t *testing.T) {
		_, qid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		assert.True(t, qid.IsDir())
	})

	t.Run("ObjectKeyIsFile", func(t *testing.T) {
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, qid, err := s.WalkOne(ctx, root, "hello")
		require.NoError(t, err)
		assert.False(t, qid.IsDir())
	})

	t.Run("KeyPrefixIsDirectory", func(t *testing.T) {
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		ref, qid, err := s.WalkOne(ctx, root, "docs")
		require.NoError(t, err)
		assert.True(t, qid.IsDir())

		_, qid, err = s.WalkOne(ctx, ref, "readme")
		require.NoError(t, err)
		assert.False(t, qid.IsDir())
	})

	t.Run("UnknownNameFails", func(t *testing.T) {
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, root, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("WalkThroughFileFails", func(t *testing.T) {
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		hello, _, err := s.WalkOne(ctx, root, "hello")
		require.NoError(t, err)
		_, _, err = s.WalkOne(ctx, hello, "x")
		assert.ErrorIs(t, err, backend.ErrNotDir)
	})

	t.Run("DotDotClampsAtRoot", func(t *testing.T) {
		root, rootQid, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		_, qid, err := s.WalkOne(ctx, root, "..")
		require.NoError(t, err)
		assert.Equal(t, rootQid.Path, qid.Path)
	})
}

func TestRead(t *testing.T) {
	s := newTestStore(t, testObjects(), "")
	ctx := context.Background()

	walkFile := func(t *testing.T, names ...string) backend.Ref {
		t.Helper()
		ref, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		for _, name := range names {
			ref, _, err = s.WalkOne(ctx, ref, name)
			require.NoError(t, err)
		}
		return ref
	}

	t.Run("ReadsWholeObject", func(t *testing.T) {
		hello := walkFile(t, "hello")
		_, err := s.Open(ctx, hello, styx.OREAD)
		require.NoError(t, err)
		data, err := s.Read(ctx, hello, 0, 64)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world"), data)
	})

	t.Run("RangedReadSlices", func(t *testing.T) {
		hello := walkFile(t, "hello")
		data, err := s.Read(ctx, hello, 6, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("world"), data)
	})

	t.Run("ReadPastEndIsEmpty", func(t *testing.T) {
		hello := walkFile(t, "hello")
		data, err := s.Read(ctx, hello, 100, 5)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("DirectoryListsInNameOrder", func(t *testing.T) {
		docs := walkFile(t, "docs")
		packed, err := s.Read(ctx, docs, 0, 1<<16)
		require.NoError(t, err)
		entries, err := styx.DecodeDirEntries(packed)
		require.NoError(t, err)
		require.Len(t, entries, 2, "folder marker must not appear")
		assert.Equal(t, "guide", entries[0].Name)
		assert.Equal(t, "readme", entries[1].Name)
	})

	t.Run("RootListingMixesFilesAndPrefixes", func(t *testing.T) {
		root, _, err := s.Attach(ctx, nil, "glenda", "")
		require.NoError(t, err)
		packed, err := s.Read(ctx, root, 0, 1<<16)
		require.NoError(t, err)
		entries, err := styx.DecodeDirEntries(packed)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "docs", entries[0].Name)
		assert.True(t, entries[0].Qid.IsDir())
		assert.Equal(t, "hello", entries[1].Name)
		assert.Equal(t, uint64(len("hello world")), entries[1].Length)
	})
}

func TestKeyPrefixScoping(t *testing.T) {
	s := newTestStore(t, map[string][]byte{
		"scoped/inside": []byte("visible"),
		"outside":       []byte("hidden"),
	}, "scoped")
	ctx := context.Background()

	root, _, err := s.Attach(ctx, nil, "glenda", "")
	require.NoError(t, err)

	_, _, err = s.WalkOne(ctx, root, "inside")
	assert.NoError(t, err)
	_, _, err = s.WalkOne(ctx, root, "outside")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStat(t *testing.T) {
	s := newTestStore(t, testObjects(), "")
	ctx := context.Background()

	root, _, err := s.Attach(ctx, nil, "glenda", "")
	require.NoError(t, err)
	hello, _, err := s.WalkOne(ctx, root, "hello")
	require.NoError(t, err)

	st, err := s.Stat(ctx, hello)
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Name)
	assert.Equal(t, uint64(len("hello world")), st.Length)
	assert.Equal(t, uint32(1700000000), st.Mtime)
	assert.Equal(t, "glenda", st.UID)
}

func TestReadOnly(t *testing.T) {
	s := newTestStore(t, testObjects(), "")
	ctx := context.Background()

	root, _, err := s.Attach(ctx, nil, "glenda", "")
	require.NoError(t, err)
	hello, _, err := s.WalkOne(ctx, root, "hello")
	require.NoError(t, err)

	_, err = s.Open(ctx, hello, styx.OWRITE)
	assert.ErrorIs(t, err, backend.ErrReadOnly)
	_, _, err = s.Create(ctx, root, "new", 0644, styx.OWRITE)
	assert.ErrorIs(t, err, backend.ErrReadOnly)
	_, err = s.Write(ctx, hello, 0, []byte("x"))
	assert.ErrorIs(t, err, backend.ErrReadOnly)
	assert.ErrorIs(t, s.WStat(ctx, hello, styx.NullStat()), backend.ErrReadOnly)
	assert.ErrorIs(t, s.Remove(ctx, hello), backend.ErrReadOnly)
	_, err = s.Open(ctx, root, styx.OWRITE)
	assert.ErrorIs(t, err, backend.ErrIsDir)
}

// Package s3fs implements a read-only backend store over an S3 bucket.
// Object keys are presented as a tree using "/" as the delimiter, the
// way the S3 console renders folders. Writes are rejected with
// ErrReadOnly; the bucket is the source of truth.
package s3fs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/styx"
)

// Client is the slice of the S3 API the store uses. *s3.Client
// satisfies it; tests substitute a fake.
type Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config contains the settings for an S3-backed store.
type Config struct {
	// Client is the configured S3 client.
	Client Client

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix scopes the tree to keys under this prefix. Empty
	// serves the whole bucket.
	KeyPrefix string

	// User is reported as the owner of every entry.
	User string
}

// Store is a read-only backend.Store over one bucket prefix. It keeps
// no local state besides the configuration: every operation hits S3,
// so references stay valid across restarts.
type Store struct {
	client Client
	bucket string
	prefix string
	user   string
}

// s3Ref identifies one node. rel is the key relative to the configured
// prefix, "" for the root; dir tells the two namespaces apart since S3
// has no real directories.
type s3Ref struct {
	rel string
	dir bool
}

// New creates a store and verifies bucket access. The bucket must
// already exist.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	prefix := config.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	_, err := config.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(config.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", config.Bucket, err)
	}

	return &Store{
		client: config.Client,
		bucket: config.Bucket,
		prefix: prefix,
		user:   config.User,
	}, nil
}

// key maps a relative path to the full object key.
func (s *Store) key(rel string) string {
	return s.prefix + rel
}

// dirPrefix is the listing prefix of a directory node.
func (s *Store) dirPrefix(rel string) string {
	if rel == "" {
		return s.prefix
	}
	return s.prefix + rel + "/"
}

func (s *Store) Attach(ctx context.Context, auth backend.Ref, uname, aname string) (backend.Ref, styx.Qid, error) {
	root := &s3Ref{rel: "", dir: true}
	return root, s.qidOf(root, 0), nil
}

func (s *Store) WalkOne(ctx context.Context, ref backend.Ref, name string) (backend.Ref, styx.Qid, error) {
	r := ref.(*s3Ref)

	if !r.dir {
		return nil, styx.Qid{}, backend.ErrNotDir
	}
	if name == ".." {
		parent := &s3Ref{rel: parentOf(r.rel), dir: true}
		return parent, s.qidOf(parent, 0), nil
	}
	if name == "" || name == "." || strings.ContainsRune(name, '/') {
		return nil, styx.Qid{}, backend.ErrNotFound
	}

	rel := name
	if r.rel != "" {
		rel = r.rel + "/" + name
	}

	// An object under the exact key is a file; otherwise any key below
	// rel/ makes it a directory.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err == nil {
		child := &s3Ref{rel: rel}
		return child, s.qidOf(child, mtimeOf(head.LastModified)), nil
	}
	if !isNotFound(err) {
		return nil, styx.Qid{}, fmt.Errorf("failed to stat object %q: %w", rel, err)
	}

	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirPrefix(rel)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, styx.Qid{}, fmt.Errorf("failed to list prefix %q: %w", rel, err)
	}
	if len(list.Contents) == 0 {
		return nil, styx.Qid{}, backend.ErrNotFound
	}
	child := &s3Ref{rel: rel, dir: true}
	return child, s.qidOf(child, 0), nil
}

func (s *Store) Clone(ctx context.Context, ref backend.Ref) (backend.Ref, error) {
	// Refs carry no per-fid state; share the pointer.
	return ref, nil
}

func (s *Store) Open(ctx context.Context, ref backend.Ref, mode styx.OpenMode) (uint32, error) {
	r := ref.(*s3Ref)
	if mode.Writable() || mode&styx.OTRUNC != 0 || mode&styx.ORCLOSE != 0 {
		if r.dir {
			return 0, backend.ErrIsDir
		}
		return 0, backend.ErrReadOnly
	}
	return 0, nil
}

func (s *Store) Create(ctx context.Context, dir backend.Ref, name string, perm styx.FileMode, mode styx.OpenMode) (backend.Ref, styx.Qid, error) {
	return nil, styx.Qid{}, backend.ErrReadOnly
}

func (s *Store) Read(ctx context.Context, ref backend.Ref, offset uint64, count uint32) ([]byte, error) {
	r := ref.(*s3Ref)

	if r.dir {
		return s.readDir(ctx, r, offset, count)
	}
	if count == 0 {
		return nil, nil
	}

	// Ranged read so a large object never transits whole.
	rangeStr := fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(count)-1)
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(r.rel)),
		Range:  aws.String(rangeStr),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrNotFound
		}
		// Reading at or past the end yields InvalidRange, which is
		// just end of file to a client.
		if isInvalidRange(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object %q: %w", r.rel, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body %q: %w", r.rel, err)
	}
	return data, nil
}

// readDir lists the directory one level deep and returns the packed
// stat records sliced at offset.
func (s *Store) readDir(ctx context.Context, r *s3Ref, offset uint64, count uint32) ([]byte, error) {
	prefix := s.dirPrefix(r.rel)

	var entries []styx.Stat
	var token *string
	for {
		list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list prefix %q: %w", r.rel, err)
		}

		for _, cp := range list.CommonPrefixes {
			rel := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			entries = append(entries, s.statOf(&s3Ref{rel: rel, dir: true}, 0, 0))
		}
		for _, obj := range list.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				// Zero-byte folder markers are not files.
				continue
			}
			entries = append(entries, s.statOf(&s3Ref{rel: rel}, uint64(aws.ToInt64(obj.Size)), mtimeOf(obj.LastModified)))
		}

		if !aws.ToBool(list.IsTruncated) {
			break
		}
		token = list.NextContinuationToken
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	src := styx.EncodeDirEntries(entries)
	if offset >= uint64(len(src)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(src)) {
		end = uint64(len(src))
	}
	return src[offset:end], nil
}

func (s *Store) Write(ctx context.Context, ref backend.Ref, offset uint64, data []byte) (uint32, error) {
	return 0, backend.ErrReadOnly
}

func (s *Store) Stat(ctx context.Context, ref backend.Ref) (styx.Stat, error) {
	r := ref.(*s3Ref)

	if r.dir {
		return s.statOf(r, 0, 0), nil
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(r.rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return styx.Stat{}, backend.ErrNotFound
		}
		return styx.Stat{}, fmt.Errorf("failed to stat object %q: %w", r.rel, err)
	}
	return s.statOf(r, uint64(aws.ToInt64(head.ContentLength)), mtimeOf(head.LastModified)), nil
}

func (s *Store) WStat(ctx context.Context, ref backend.Ref, stat styx.Stat) error {
	return backend.ErrReadOnly
}

func (s *Store) Clunk(ctx context.Context, ref backend.Ref) {}

func (s *Store) Remove(ctx context.Context, ref backend.Ref) error {
	return backend.ErrReadOnly
}

func (s *Store) statOf(r *s3Ref, length uint64, mtime uint32) styx.Stat {
	name := path.Base(r.rel)
	if r.rel == "" {
		name = "/"
	}
	mode := styx.FileMode(0444)
	if r.dir {
		mode = styx.DMDIR | 0555
	}
	return styx.Stat{
		Qid:    s.qidOf(r, mtime),
		Mode:   mode,
		Atime:  mtime,
		Mtime:  mtime,
		Length: length,
		Name:   name,
		UID:    s.user,
		GID:    s.user,
		MUID:   s.user,
	}
}

// qidOf hashes the full key into the qid path. The mtime stands in
// for the version so cached copies go stale when an object changes.
func (s *Store) qidOf(r *s3Ref, mtime uint32) styx.Qid {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.key(r.rel)))
	var t styx.QidType
	if r.dir {
		t = styx.QTDIR
	}
	return styx.Qid{Type: t, Version: mtime, Path: h.Sum64()}
}

func parentOf(rel string) string {
	parent := path.Dir(rel)
	if parent == "." || parent == "/" {
		return ""
	}
	return parent
}

func mtimeOf(t *time.Time) uint32 {
	if t == nil {
		return 0
	}
	return uint32(t.Unix())
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func isInvalidRange(err error) bool {
	return strings.Contains(err.Error(), "InvalidRange")
}

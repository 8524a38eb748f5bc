// Package backend defines the resource interface the protocol engine
// drives. A Store exposes a hierarchical resource space; the engine owns
// fid bookkeeping and never mutates a resource reference directly, it
// only hands references back to the store that issued them.
package backend

import (
	"context"
	"errors"

	"github.com/marmos91/styxd/pkg/styx"
)

// Ref is an opaque reference to one resource inside a Store. The store
// that issued a Ref is the only code that may interpret it; the engine
// merely keeps it alive in its fid table and passes it back.
type Ref any

// Store is the backend resource interface consumed by the session
// dispatcher. All blocking operations take a context so in-flight
// requests can be abandoned on shutdown.
//
// Implementations must be safe for concurrent use: one connection issues
// pipelined requests against distinct refs concurrently, and one store
// may serve many connections.
type Store interface {
	// Attach resolves the root of the resource tree aname for user
	// uname. auth is the reference of a previously established
	// authentication channel, or nil when the attach is unauthenticated.
	Attach(ctx context.Context, auth Ref, uname, aname string) (Ref, styx.Qid, error)

	// WalkOne resolves a single path element relative to ref. It fails
	// with ErrNotFound when the element does not exist.
	WalkOne(ctx context.Context, ref Ref, name string) (Ref, styx.Qid, error)

	// Clone returns an independent reference to the same resource as
	// ref, which is never open. The engine uses it when a client binds a
	// second fid to a resource; clunking either reference must leave the
	// other fully usable.
	Clone(ctx context.Context, ref Ref) (Ref, error)

	// Open prepares ref for I/O in the given mode and returns the
	// suggested I/O unit, 0 to let the engine pick one.
	Open(ctx context.Context, ref Ref, mode styx.OpenMode) (uint32, error)

	// Create makes name inside the directory dir refers to and returns a
	// reference to the new resource, already prepared for I/O in mode.
	Create(ctx context.Context, dir Ref, name string, perm styx.FileMode, mode styx.OpenMode) (Ref, styx.Qid, error)

	// Read returns up to count bytes at offset. Fewer bytes than
	// requested mean end of resource. Directory reads return packed
	// stat records (styx.EncodeDirEntries).
	Read(ctx context.Context, ref Ref, offset uint64, count uint32) ([]byte, error)

	// Write stores data at offset and reports how many bytes stuck.
	Write(ctx context.Context, ref Ref, offset uint64, data []byte) (uint32, error)

	// Stat reports the metadata record of ref.
	Stat(ctx context.Context, ref Ref) (styx.Stat, error)

	// WStat applies the metadata changes carried in stat; fields left at
	// their styx.NullStat sentinels stay untouched.
	WStat(ctx context.Context, ref Ref, stat styx.Stat) error

	// Clunk releases ref. Best effort: the engine forgets the fid no
	// matter what, so there is nothing useful to return.
	Clunk(ctx context.Context, ref Ref)

	// Remove deletes the resource ref refers to. The reference is
	// released regardless of the outcome.
	Remove(ctx context.Context, ref Ref) error
}

// AuthStore is implemented by stores that support an authentication
// exchange. The engine carries the opaque bytes, it never interprets
// them; stores without this interface reject Tauth.
type AuthStore interface {
	// Auth sets up an authentication channel for uname/aname. The
	// returned ref behaves like an open file the client reads and
	// writes the auth exchange through.
	Auth(ctx context.Context, uname, aname string) (Ref, styx.Qid, error)
}

// Errors a store reports to the engine. They surface to clients as the
// text of an Rerror; anything else a store returns is forwarded
// verbatim via its Error string.
var (
	ErrNotFound   = errors.New("no such file or directory")
	ErrPermission = errors.New("permission denied")
	ErrExists     = errors.New("file already exists")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrReadOnly   = errors.New("read-only resource")
	ErrNotOpen    = errors.New("resource not open")
	ErrBadName    = errors.New("illegal name")
)

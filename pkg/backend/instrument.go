package backend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marmos91/styxd/pkg/metrics"
	"github.com/marmos91/styxd/pkg/styx"
)

// Instrument wraps store so every operation is recorded on m. A nil m
// returns store unchanged.
func Instrument(store Store, m metrics.StoreMetrics) Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{store: store, metrics: m}
}

// instrumentedStore forwards every call to the wrapped store and
// records duration, outcome, byte counts, and the number of references
// the sessions currently hold.
type instrumentedStore struct {
	store    Store
	metrics  metrics.StoreMetrics
	liveRefs atomic.Int64
}

func (s *instrumentedStore) refAcquired() {
	s.metrics.SetLiveRefs(s.liveRefs.Add(1))
}

func (s *instrumentedStore) refReleased() {
	s.metrics.SetLiveRefs(s.liveRefs.Add(-1))
}

func (s *instrumentedStore) Attach(ctx context.Context, auth Ref, uname, aname string) (Ref, styx.Qid, error) {
	start := time.Now()
	ref, qid, err := s.store.Attach(ctx, auth, uname, aname)
	s.metrics.RecordOperation("attach", time.Since(start), err)
	if err == nil {
		s.refAcquired()
	}
	return ref, qid, err
}

func (s *instrumentedStore) WalkOne(ctx context.Context, ref Ref, name string) (Ref, styx.Qid, error) {
	start := time.Now()
	next, qid, err := s.store.WalkOne(ctx, ref, name)
	s.metrics.RecordOperation("walk", time.Since(start), err)
	if err == nil {
		s.refAcquired()
	}
	return next, qid, err
}

func (s *instrumentedStore) Clone(ctx context.Context, ref Ref) (Ref, error) {
	start := time.Now()
	clone, err := s.store.Clone(ctx, ref)
	s.metrics.RecordOperation("clone", time.Since(start), err)
	if err == nil {
		s.refAcquired()
	}
	return clone, err
}

func (s *instrumentedStore) Open(ctx context.Context, ref Ref, mode styx.OpenMode) (uint32, error) {
	start := time.Now()
	iounit, err := s.store.Open(ctx, ref, mode)
	s.metrics.RecordOperation("open", time.Since(start), err)
	return iounit, err
}

func (s *instrumentedStore) Create(ctx context.Context, dir Ref, name string, perm styx.FileMode, mode styx.OpenMode) (Ref, styx.Qid, error) {
	start := time.Now()
	ref, qid, err := s.store.Create(ctx, dir, name, perm, mode)
	s.metrics.RecordOperation("create", time.Since(start), err)
	if err == nil {
		s.refAcquired()
	}
	return ref, qid, err
}

func (s *instrumentedStore) Read(ctx context.Context, ref Ref, offset uint64, count uint32) ([]byte, error) {
	start := time.Now()
	data, err := s.store.Read(ctx, ref, offset, count)
	s.metrics.RecordOperation("read", time.Since(start), err)
	if err == nil {
		s.metrics.RecordBytes("read", int64(len(data)))
	}
	return data, err
}

func (s *instrumentedStore) Write(ctx context.Context, ref Ref, offset uint64, data []byte) (uint32, error) {
	start := time.Now()
	n, err := s.store.Write(ctx, ref, offset, data)
	s.metrics.RecordOperation("write", time.Since(start), err)
	if err == nil {
		s.metrics.RecordBytes("write", int64(n))
	}
	return n, err
}

func (s *instrumentedStore) Stat(ctx context.Context, ref Ref) (styx.Stat, error) {
	start := time.Now()
	st, err := s.store.Stat(ctx, ref)
	s.metrics.RecordOperation("stat", time.Since(start), err)
	return st, err
}

func (s *instrumentedStore) WStat(ctx context.Context, ref Ref, stat styx.Stat) error {
	start := time.Now()
	err := s.store.WStat(ctx, ref, stat)
	s.metrics.RecordOperation("wstat", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Clunk(ctx context.Context, ref Ref) {
	start := time.Now()
	s.store.Clunk(ctx, ref)
	s.metrics.RecordOperation("clunk", time.Since(start), nil)
	s.refReleased()
}

func (s *instrumentedStore) Remove(ctx context.Context, ref Ref) error {
	start := time.Now()
	err := s.store.Remove(ctx, ref)
	s.metrics.RecordOperation("remove", time.Since(start), err)
	// The session forgets the ref no matter the outcome.
	s.refReleased()
	return err
}

package client

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/styxd/pkg/styx"
)

// File is one fid on the server. A File starts out as a handle from
// Attach or Walk; Open or Create prepares it for I/O. Files are not
// safe for concurrent use, but distinct Files on the same Client are.
type File struct {
	c      *Client
	fid    styx.Fid
	qid    styx.Qid
	iounit uint32
}

// Qid returns the server's identity for the file as of the last
// operation that reported one.
func (f *File) Qid() styx.Qid {
	return f.qid
}

// IsDir reports whether the file is a directory.
func (f *File) IsDir() bool {
	return f.qid.IsDir()
}

// Walk resolves a path relative to f and returns a new File bound to
// the result. Walking with no names clones the handle. A partial
// resolution fails without binding anything.
func (f *File) Walk(ctx context.Context, names ...string) (*File, error) {
	if len(names) > styx.MaxWalkElements {
		// Long paths take several round trips.
		cut := styx.MaxWalkElements
		head, err := f.Walk(ctx, names[:cut]...)
		if err != nil {
			return nil, err
		}
		tail, err := head.Walk(ctx, names[cut:]...)
		head.clunkQuietly(ctx)
		return tail, err
	}

	newFid := f.c.allocFid()
	resp, err := f.c.rpc(ctx, &styx.Twalk{Fid: f.fid, NewFid: newFid, Names: names})
	if err != nil {
		f.c.releaseFid(newFid)
		return nil, err
	}
	rw, ok := resp.(*styx.Rwalk)
	if !ok {
		f.c.releaseFid(newFid)
		return nil, fmt.Errorf("unexpected %T reply to Twalk", resp)
	}
	if len(rw.Qids) < len(names) {
		// Nothing was bound to newFid on a partial walk.
		f.c.releaseFid(newFid)
		return nil, walkError(names, len(rw.Qids))
	}

	qid := f.qid
	if len(rw.Qids) > 0 {
		qid = rw.Qids[len(rw.Qids)-1]
	}
	return &File{c: f.c, fid: newFid, qid: qid}, nil
}

// Open prepares the file for I/O.
func (f *File) Open(ctx context.Context, mode styx.OpenMode) error {
	resp, err := f.c.rpc(ctx, &styx.Topen{Fid: f.fid, Mode: mode})
	if err != nil {
		return err
	}
	ro, ok := resp.(*styx.Ropen)
	if !ok {
		return fmt.Errorf("unexpected %T reply to Topen", resp)
	}
	f.qid = ro.Qid
	f.iounit = ro.IOUnit
	return nil
}

// Create makes name in the directory f refers to. On success f refers
// to the new file, open in mode; the directory handle is gone, which
// is how the protocol defines create.
func (f *File) Create(ctx context.Context, name string, perm styx.FileMode, mode styx.OpenMode) error {
	resp, err := f.c.rpc(ctx, &styx.Tcreate{Fid: f.fid, Name: name, Perm: perm, Mode: mode})
	if err != nil {
		return err
	}
	rc, ok := resp.(*styx.Rcreate)
	if !ok {
		return fmt.Errorf("unexpected %T reply to Tcreate", resp)
	}
	f.qid = rc.Qid
	f.iounit = rc.IOUnit
	return nil
}

// maxIO is the largest payload one Tread or Twrite can carry.
func (f *File) maxIO() uint32 {
	max := f.c.Msize() - styx.IOOverhead
	if f.iounit != 0 && f.iounit < max {
		return f.iounit
	}
	return max
}

// ReadAt reads up to len(p) bytes at offset. It returns io.EOF when
// the server hands back nothing.
func (f *File) ReadAt(ctx context.Context, p []byte, offset uint64) (int, error) {
	count := uint32(len(p))
	if max := f.maxIO(); count > max {
		count = max
	}
	resp, err := f.c.rpc(ctx, &styx.Tread{Fid: f.fid, Offset: offset, Count: count})
	if err != nil {
		return 0, err
	}
	rr, ok := resp.(*styx.Rread)
	if !ok {
		return 0, fmt.Errorf("unexpected %T reply to Tread", resp)
	}
	if len(rr.Data) == 0 {
		return 0, io.EOF
	}
	return copy(p, rr.Data), nil
}

// ReadAll reads the whole file from offset zero.
func (f *File) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	buf := make([]byte, f.maxIO())
	for {
		n, err := f.ReadAt(ctx, buf, uint64(len(out)))
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:n]...)
	}
}

// ReadDir reads the directory and decodes its packed stat records.
// The file must be a directory open for reading.
func (f *File) ReadDir(ctx context.Context) ([]styx.Stat, error) {
	packed, err := f.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return styx.DecodeDirEntries(packed)
}

// WriteAt writes p at offset, splitting into message-sized chunks as
// needed.
func (f *File) WriteAt(ctx context.Context, p []byte, offset uint64) (int, error) {
	max := int(f.maxIO())
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		resp, err := f.c.rpc(ctx, &styx.Twrite{Fid: f.fid, Offset: offset + uint64(written), Data: chunk})
		if err != nil {
			return written, err
		}
		rw, ok := resp.(*styx.Rwrite)
		if !ok {
			return written, fmt.Errorf("unexpected %T reply to Twrite", resp)
		}
		written += int(rw.Count)
		if rw.Count < uint32(len(chunk)) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Stat fetches the file's metadata record.
func (f *File) Stat(ctx context.Context) (styx.Stat, error) {
	resp, err := f.c.rpc(ctx, &styx.Tstat{Fid: f.fid})
	if err != nil {
		return styx.Stat{}, err
	}
	rs, ok := resp.(*styx.Rstat)
	if !ok {
		return styx.Stat{}, fmt.Errorf("unexpected %T reply to Tstat", resp)
	}
	return rs.Stat, nil
}

// WStat applies a partial metadata update. Build the argument from
// styx.NullStat and set only the fields to change.
func (f *File) WStat(ctx context.Context, stat styx.Stat) error {
	_, err := f.c.rpc(ctx, &styx.Twstat{Fid: f.fid, Stat: stat})
	return err
}

// Clunk releases the fid. The File is dead afterwards even on error.
func (f *File) Clunk(ctx context.Context) error {
	_, err := f.c.rpc(ctx, &styx.Tclunk{Fid: f.fid})
	f.c.releaseFid(f.fid)
	return err
}

// Remove deletes the file and releases the fid.
func (f *File) Remove(ctx context.Context) error {
	_, err := f.c.rpc(ctx, &styx.Tremove{Fid: f.fid})
	f.c.releaseFid(f.fid)
	return err
}

func (f *File) clunkQuietly(ctx context.Context) {
	_ = f.Clunk(ctx)
}

package badgerfs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/marmos91/styxd/pkg/styx"
)

// fileRecord is the persisted metadata of one node. Records are stored
// as JSON under f:<uuid>; content lives separately under d:<uuid> so
// metadata scans never drag file bodies through the value log.
type fileRecord struct {
	Name    string        `json:"name"`
	Mode    styx.FileMode `json:"mode"`
	Atime   uint32        `json:"atime"`
	Mtime   uint32        `json:"mtime"`
	Length  uint64        `json:"length"`
	UID     string        `json:"uid"`
	GID     string        `json:"gid"`
	MUID    string        `json:"muid"`
	Version uint32        `json:"version"`
}

func (r *fileRecord) isDir() bool {
	return r.Mode&styx.DMDIR != 0
}

// touch records a modification: bump the qid version and mtime so
// clients caching on qids notice the change.
func (r *fileRecord) touch() {
	r.Version++
	r.Mtime = unixNow()
}

func unixNow() uint32 {
	return uint32(time.Now().Unix())
}

// qidOf derives the wire qid of a node. The path is the first half of
// the UUID, which is random enough to be unique per tree.
func qidOf(id uuid.UUID, rec *fileRecord) styx.Qid {
	var t styx.QidType
	if rec.isDir() {
		t = styx.QTDIR
	}
	return styx.Qid{
		Type:    t,
		Version: rec.Version,
		Path:    binary.LittleEndian.Uint64(id[:8]),
	}
}

func statOf(id uuid.UUID, rec *fileRecord) styx.Stat {
	length := rec.Length
	if rec.isDir() {
		length = 0
	}
	return styx.Stat{
		Qid:    qidOf(id, rec),
		Mode:   rec.Mode,
		Atime:  rec.Atime,
		Mtime:  rec.Mtime,
		Length: length,
		Name:   rec.Name,
		UID:    rec.UID,
		GID:    rec.GID,
		MUID:   rec.MUID,
	}
}

func getRecord(txn *badger.Txn, id uuid.UUID) (fileRecord, error) {
	item, err := txn.Get(keyFile(id))
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return fileRecord{}, fmt.Errorf("failed to decode node record: %w", err)
	}
	return rec, nil
}

func putRecord(txn *badger.Txn, id uuid.UUID, rec *fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}
	return txn.Set(keyFile(id), data)
}

func getUUID(txn *badger.Txn, key []byte) (uuid.UUID, error) {
	item, err := txn.Get(key)
	if err != nil {
		return uuid.UUID{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(raw)
}

func getData(txn *badger.Txn, id uuid.UUID) ([]byte, error) {
	item, err := txn.Get(keyData(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

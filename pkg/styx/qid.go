package styx

import "fmt"

// Qid uniquely identifies a resource instance on the server. Path is
// stable for the resource's lifetime; Version changes when the content
// changes (servers without versioning fix it at 0); Type carries the QT*
// flag bits.
//
// Wire layout: type[1] version[4] path[8], 13 bytes total.
type Qid struct {
	Type    QidType
	Version uint32
	Path    uint64
}

// IsDir reports whether the qid names a directory.
func (q Qid) IsDir() bool {
	return q.Type&QTDIR != 0
}

func (q Qid) String() string {
	return fmt.Sprintf("qid(type=0x%02x ver=%d path=0x%x)", uint8(q.Type), q.Version, q.Path)
}

func (q Qid) encode(w *writer) {
	w.u8(uint8(q.Type))
	w.u32(q.Version)
	w.u64(q.Path)
}

func decodeQid(r *reader) Qid {
	var q Qid
	q.Type = QidType(r.u8())
	q.Version = r.u32()
	q.Path = r.u64()
	return q
}

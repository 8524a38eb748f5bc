package styx

// Stat is the 9P2000 metadata record for a resource.
//
// Wire layout: size[2] type[2] dev[4] qid[13] mode[4] atime[4] mtime[4]
// length[8] name[s] uid[s] gid[s] muid[s], where size counts everything
// after itself. Inside Rstat and Twstat the record is additionally
// wrapped in a count[2] prefix, so the length appears twice on the wire.
type Stat struct {
	Type   uint16
	Dev    uint32
	Qid    Qid
	Mode   FileMode
	Atime  uint32
	Mtime  uint32
	Length uint64
	Name   string
	UID    string
	GID    string
	MUID   string
}

// Twstat fields set to these values mean "don't touch". A zero Stat is
// not neutral; use NullStat as the starting point for partial updates.
const (
	nullType   = ^uint16(0)
	nullDev    = ^uint32(0)
	nullMode   = FileMode(^uint32(0))
	nullAtime  = ^uint32(0)
	nullMtime  = ^uint32(0)
	nullLength = ^uint64(0)
)

// NullStat returns a Stat with every field at its "don't touch" sentinel,
// the starting point for building a Twstat request.
func NullStat() Stat {
	return Stat{
		Type:   nullType,
		Dev:    nullDev,
		Qid:    Qid{Type: QidType(0xFF), Version: ^uint32(0), Path: ^uint64(0)},
		Mode:   nullMode,
		Atime:  nullAtime,
		Mtime:  nullMtime,
		Length: nullLength,
	}
}

// ModeSet reports whether a wstat request touches the permission bits.
func (s Stat) ModeSet() bool { return s.Mode != nullMode }

// LengthSet reports whether a wstat request touches the length.
func (s Stat) LengthSet() bool { return s.Length != nullLength }

// AtimeSet reports whether a wstat request touches the access time.
func (s Stat) AtimeSet() bool { return s.Atime != nullAtime }

// MtimeSet reports whether a wstat request touches the modification time.
func (s Stat) MtimeSet() bool { return s.Mtime != nullMtime }

// wireLen returns the encoded size including the leading size[2] field.
func (s Stat) wireLen() int {
	return 2 + 2 + 4 + QidLen + 4 + 4 + 4 + 8 +
		2 + len(s.Name) + 2 + len(s.UID) + 2 + len(s.GID) + 2 + len(s.MUID)
}

func (s Stat) encode(w *writer) {
	w.u16(uint16(s.wireLen() - 2))
	w.u16(s.Type)
	w.u32(s.Dev)
	s.Qid.encode(w)
	w.u32(uint32(s.Mode))
	w.u32(s.Atime)
	w.u32(s.Mtime)
	w.u64(s.Length)
	w.str(s.Name)
	w.str(s.UID)
	w.str(s.GID)
	w.str(s.MUID)
}

func decodeStat(r *reader) Stat {
	var s Stat
	size := int(r.u16())
	start := r.off
	s.Type = r.u16()
	s.Dev = r.u32()
	s.Qid = decodeQid(r)
	s.Mode = FileMode(r.u32())
	s.Atime = r.u32()
	s.Mtime = r.u32()
	s.Length = r.u64()
	s.Name = r.str()
	s.UID = r.str()
	s.GID = r.str()
	s.MUID = r.str()
	if r.err == nil && r.off-start != size {
		r.fail("stat size field does not match record length")
	}
	return s
}

// EncodeStat returns the bare wire encoding of s (with its leading
// size[2] field but without the count[2] wrapper used inside messages).
// Directory reads return a sequence of such records.
func EncodeStat(s Stat) []byte {
	w := newWriter(s.wireLen())
	s.encode(w)
	return w.bytes()
}

// DecodeStat decodes a single bare stat record, returning the number of
// bytes consumed.
func DecodeStat(buf []byte) (Stat, int, error) {
	r := &reader{buf: buf}
	s := decodeStat(r)
	if r.err != nil {
		return Stat{}, 0, &DecodeError{Tag: NoTag, Reason: r.err.Error()}
	}
	return s, r.off, nil
}

// EncodeDirEntries packs stat records the way a directory read returns
// them: one bare stat encoding after another.
func EncodeDirEntries(entries []Stat) []byte {
	n := 0
	for _, s := range entries {
		n += s.wireLen()
	}
	w := newWriter(n)
	for _, s := range entries {
		s.encode(w)
	}
	return w.bytes()
}

// DecodeDirEntries unpacks the payload of a directory read into its stat
// records. Fails if the buffer ends mid-record.
func DecodeDirEntries(buf []byte) ([]Stat, error) {
	var entries []Stat
	for len(buf) > 0 {
		s, n, err := DecodeStat(buf)
		if err != nil {
			return nil, err
		}
		entries = append(entries, s)
		buf = buf[n:]
	}
	return entries, nil
}

package styx

// Message is one typed 9P2000 message, request or response. Messages are
// plain values; decoding never retains the input buffer.
type Message interface {
	// Kind returns the wire type of the message.
	Kind() Kind

	// MessageTag returns the correlation tag carried in the header.
	MessageTag() Tag

	bodyLen() int
	encodeBody(w *writer)
	decodeBody(r *reader)
}

// Tversion negotiates the protocol version and maximum message size.
// It is the only message sent with tag NoTag.
type Tversion struct {
	Tag     Tag
	Msize   uint32
	Version string
}

// Rversion is the reply to Tversion with the negotiated parameters.
type Rversion struct {
	Tag     Tag
	Msize   uint32
	Version string
}

// Tauth asks the server to set up afid as an authentication channel.
type Tauth struct {
	Tag   Tag
	Afid  Fid
	Uname string
	Aname string
}

// Rauth carries the qid of the authentication channel.
type Rauth struct {
	Tag  Tag
	Aqid Qid
}

// Tattach binds fid to the root of the resource tree aname as user uname.
type Tattach struct {
	Tag   Tag
	Fid   Fid
	Afid  Fid
	Uname string
	Aname string
}

// Rattach carries the qid of the attached root.
type Rattach struct {
	Tag Tag
	Qid Qid
}

// Rerror is the universal failure response; there is no Terror.
type Rerror struct {
	Tag   Tag
	Ename string
}

// Tflush asks the server to abort the outstanding request tagged OldTag.
type Tflush struct {
	Tag    Tag
	OldTag Tag
}

// Rflush confirms that the flushed request is finished or abandoned.
type Rflush struct {
	Tag Tag
}

// Twalk resolves up to MaxWalkElements path elements starting at Fid,
// binding the result to NewFid.
type Twalk struct {
	Tag    Tag
	Fid    Fid
	NewFid Fid
	Names  []string
}

// Rwalk carries one qid per successfully resolved path element.
type Rwalk struct {
	Tag  Tag
	Qids []Qid
}

// Topen prepares fid for I/O in the given mode.
type Topen struct {
	Tag  Tag
	Fid  Fid
	Mode OpenMode
}

// Ropen confirms an open with the resource qid and the suggested I/O
// unit (0 lets the client pick).
type Ropen struct {
	Tag    Tag
	Qid    Qid
	IOUnit uint32
}

// Tcreate creates Name in the directory fid refers to, then rebinds fid
// to the new resource, opened in Mode.
type Tcreate struct {
	Tag  Tag
	Fid  Fid
	Name string
	Perm FileMode
	Mode OpenMode
}

// Rcreate confirms a create with the new resource's qid and I/O unit.
type Rcreate struct {
	Tag    Tag
	Qid    Qid
	IOUnit uint32
}

// Tread requests Count bytes at Offset from the open fid.
type Tread struct {
	Tag    Tag
	Fid    Fid
	Offset uint64
	Count  uint32
}

// Rread carries the bytes read; shorter than requested means end of
// resource.
type Rread struct {
	Tag  Tag
	Data []byte
}

// Twrite writes Data at Offset through the open fid.
type Twrite struct {
	Tag    Tag
	Fid    Fid
	Offset uint64
	Data   []byte
}

// Rwrite reports the number of bytes written.
type Rwrite struct {
	Tag   Tag
	Count uint32
}

// Tclunk releases fid.
type Tclunk struct {
	Tag Tag
	Fid Fid
}

// Rclunk confirms a clunk.
type Rclunk struct {
	Tag Tag
}

// Tremove deletes the resource fid refers to and releases the fid.
type Tremove struct {
	Tag Tag
	Fid Fid
}

// Rremove confirms a remove.
type Rremove struct {
	Tag Tag
}

// Tstat requests the metadata record of fid.
type Tstat struct {
	Tag Tag
	Fid Fid
}

// Rstat carries the metadata record of the stat'ed resource.
type Rstat struct {
	Tag  Tag
	Stat Stat
}

// Twstat applies a partial metadata update; fields left at their
// NullStat sentinels are unchanged.
type Twstat struct {
	Tag  Tag
	Fid  Fid
	Stat Stat
}

// Rwstat confirms a wstat.
type Rwstat struct {
	Tag Tag
}

func (m *Tversion) Kind() Kind { return KindTversion }
func (m *Tversion) MessageTag() Tag { return m.Tag }
func (m *Tversion) bodyLen() int { return 4 + 2 + len(m.Version) }
func (m *Tversion) encodeBody(w *writer) {
	w.u32(m.Msize)
	w.str(m.Version)
}

func (m *Tversion) decodeBody(r *reader) {
	m.Msize = r.u32()
	m.Version = r.str()
}

func (m *Rversion) Kind() Kind { return KindRversion }
func (m *Rversion) MessageTag() Tag { return m.Tag }
func (m *Rversion) bodyLen() int { return 4 + 2 + len(m.Version) }
func (m *Rversion) encodeBody(w *writer) {
	w.u32(m.Msize)
	w.str(m.Version)
}

func (m *Rversion) decodeBody(r *reader) {
	m.Msize = r.u32()
	m.Version = r.str()
}

func (m *Tauth) Kind() Kind { return KindTauth }
func (m *Tauth) MessageTag() Tag { return m.Tag }
func (m *Tauth) bodyLen() int { return 4 + 2 + len(m.Uname) + 2 + len(m.Aname) }
func (m *Tauth) encodeBody(w *writer) {
	w.u32(uint32(m.Afid))
	w.str(m.Uname)
	w.str(m.Aname)
}

func (m *Tauth) decodeBody(r *reader) {
	m.Afid = Fid(r.u32())
	m.Uname = r.str()
	m.Aname = r.str()
}

func (m *Rauth) Kind() Kind { return KindRauth }
func (m *Rauth) MessageTag() Tag { return m.Tag }
func (m *Rauth) bodyLen() int { return QidLen }
func (m *Rauth) encodeBody(w *writer) {
	m.Aqid.encode(w)
}

func (m *Rauth) decodeBody(r *reader) {
	m.Aqid = decodeQid(r)
}

func (m *Tattach) Kind() Kind { return KindTattach }
func (m *Tattach) MessageTag() Tag { return m.Tag }
func (m *Tattach) bodyLen() int { return 4 + 4 + 2 + len(m.Uname) + 2 + len(m.Aname) }
func (m *Tattach) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u32(uint32(m.Afid))
	w.str(m.Uname)
	w.str(m.Aname)
}

func (m *Tattach) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.Afid = Fid(r.u32())
	m.Uname = r.str()
	m.Aname = r.str()
}

func (m *Rattach) Kind() Kind { return KindRattach }
func (m *Rattach) MessageTag() Tag { return m.Tag }
func (m *Rattach) bodyLen() int { return QidLen }
func (m *Rattach) encodeBody(w *writer) {
	m.Qid.encode(w)
}

func (m *Rattach) decodeBody(r *reader) {
	m.Qid = decodeQid(r)
}

func (m *Rerror) Kind() Kind { return KindRerror }
func (m *Rerror) MessageTag() Tag { return m.Tag }
func (m *Rerror) bodyLen() int { return 2 + len(m.Ename) }
func (m *Rerror) encodeBody(w *writer) {
	w.str(m.Ename)
}

func (m *Rerror) decodeBody(r *reader) {
	m.Ename = r.str()
}

func (m *Tflush) Kind() Kind { return KindTflush }
func (m *Tflush) MessageTag() Tag { return m.Tag }
func (m *Tflush) bodyLen() int { return 2 }
func (m *Tflush) encodeBody(w *writer) {
	w.u16(uint16(m.OldTag))
}

func (m *Tflush) decodeBody(r *reader) {
	m.OldTag = Tag(r.u16())
}

func (m *Rflush) Kind() Kind { return KindRflush }
func (m *Rflush) MessageTag() Tag { return m.Tag }
func (m *Rflush) bodyLen() int { return 0 }
func (m *Rflush) encodeBody(*writer) {}
func (m *Rflush) decodeBody(*reader) {}

func (m *Twalk) Kind() Kind { return KindTwalk }
func (m *Twalk) MessageTag() Tag { return m.Tag }
func (m *Twalk) bodyLen() int {
	n := 4 + 4 + 2
	for _, name := range m.Names {
		n += 2 + len(name)
	}
	return n
}

func (m *Twalk) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u32(uint32(m.NewFid))
	w.u16(uint16(len(m.Names)))
	for _, name := range m.Names {
		w.str(name)
	}
}

func (m *Twalk) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.NewFid = Fid(r.u32())
	n := int(r.u16())
	if n > MaxWalkElements {
		r.fail("walk with more than 16 path elements")
		return
	}
	m.Names = make([]string, 0, n)
	for i := 0; i < n; i++ {
		m.Names = append(m.Names, r.str())
	}
}

func (m *Rwalk) Kind() Kind { return KindRwalk }
func (m *Rwalk) MessageTag() Tag { return m.Tag }
func (m *Rwalk) bodyLen() int { return 2 + QidLen*len(m.Qids) }
func (m *Rwalk) encodeBody(w *writer) {
	w.u16(uint16(len(m.Qids)))
	for _, q := range m.Qids {
		q.encode(w)
	}
}

func (m *Rwalk) decodeBody(r *reader) {
	n := int(r.u16())
	if n > MaxWalkElements {
		r.fail("walk response with more than 16 qids")
		return
	}
	m.Qids = make([]Qid, 0, n)
	for i := 0; i < n; i++ {
		m.Qids = append(m.Qids, decodeQid(r))
	}
}

func (m *Topen) Kind() Kind { return KindTopen }
func (m *Topen) MessageTag() Tag { return m.Tag }
func (m *Topen) bodyLen() int { return 4 + 1 }
func (m *Topen) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u8(uint8(m.Mode))
}

func (m *Topen) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.Mode = OpenMode(r.u8())
}

func (m *Ropen) Kind() Kind { return KindRopen }
func (m *Ropen) MessageTag() Tag { return m.Tag }
func (m *Ropen) bodyLen() int { return QidLen + 4 }
func (m *Ropen) encodeBody(w *writer) {
	m.Qid.encode(w)
	w.u32(m.IOUnit)
}

func (m *Ropen) decodeBody(r *reader) {
	m.Qid = decodeQid(r)
	m.IOUnit = r.u32()
}

func (m *Tcreate) Kind() Kind { return KindTcreate }
func (m *Tcreate) MessageTag() Tag { return m.Tag }
func (m *Tcreate) bodyLen() int { return 4 + 2 + len(m.Name) + 4 + 1 }
func (m *Tcreate) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.str(m.Name)
	w.u32(uint32(m.Perm))
	w.u8(uint8(m.Mode))
}

func (m *Tcreate) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.Name = r.str()
	m.Perm = FileMode(r.u32())
	m.Mode = OpenMode(r.u8())
}

func (m *Rcreate) Kind() Kind { return KindRcreate }
func (m *Rcreate) MessageTag() Tag { return m.Tag }
func (m *Rcreate) bodyLen() int { return QidLen + 4 }
func (m *Rcreate) encodeBody(w *writer) {
	m.Qid.encode(w)
	w.u32(m.IOUnit)
}

func (m *Rcreate) decodeBody(r *reader) {
	m.Qid = decodeQid(r)
	m.IOUnit = r.u32()
}

func (m *Tread) Kind() Kind { return KindTread }
func (m *Tread) MessageTag() Tag { return m.Tag }
func (m *Tread) bodyLen() int { return 4 + 8 + 4 }
func (m *Tread) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u64(m.Offset)
	w.u32(m.Count)
}

func (m *Tread) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.Offset = r.u64()
	m.Count = r.u32()
}

func (m *Rread) Kind() Kind { return KindRread }
func (m *Rread) MessageTag() Tag { return m.Tag }
func (m *Rread) bodyLen() int { return 4 + len(m.Data) }
func (m *Rread) encodeBody(w *writer) {
	w.u32(uint32(len(m.Data)))
	w.raw(m.Data)
}

func (m *Rread) decodeBody(r *reader) {
	m.Data = r.bytes4()
}

func (m *Twrite) Kind() Kind { return KindTwrite }
func (m *Twrite) MessageTag() Tag { return m.Tag }
func (m *Twrite) bodyLen() int { return 4 + 8 + 4 + len(m.Data) }
func (m *Twrite) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u64(m.Offset)
	w.u32(uint32(len(m.Data)))
	w.raw(m.Data)
}

func (m *Twrite) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	m.Offset = r.u64()
	m.Data = r.bytes4()
}

func (m *Rwrite) Kind() Kind { return KindRwrite }
func (m *Rwrite) MessageTag() Tag { return m.Tag }
func (m *Rwrite) bodyLen() int { return 4 }
func (m *Rwrite) encodeBody(w *writer) {
	w.u32(m.Count)
}

func (m *Rwrite) decodeBody(r *reader) {
	m.Count = r.u32()
}

func (m *Tclunk) Kind() Kind { return KindTclunk }
func (m *Tclunk) MessageTag() Tag { return m.Tag }
func (m *Tclunk) bodyLen() int { return 4 }
func (m *Tclunk) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
}

func (m *Tclunk) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
}

func (m *Rclunk) Kind() Kind { return KindRclunk }
func (m *Rclunk) MessageTag() Tag { return m.Tag }
func (m *Rclunk) bodyLen() int { return 0 }
func (m *Rclunk) encodeBody(*writer) {}
func (m *Rclunk) decodeBody(*reader) {}

func (m *Tremove) Kind() Kind { return KindTremove }
func (m *Tremove) MessageTag() Tag { return m.Tag }
func (m *Tremove) bodyLen() int { return 4 }
func (m *Tremove) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
}

func (m *Tremove) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
}

func (m *Rremove) Kind() Kind { return KindRremove }
func (m *Rremove) MessageTag() Tag { return m.Tag }
func (m *Rremove) bodyLen() int { return 0 }
func (m *Rremove) encodeBody(*writer) {}
func (m *Rremove) decodeBody(*reader) {}

func (m *Tstat) Kind() Kind { return KindTstat }
func (m *Tstat) MessageTag() Tag { return m.Tag }
func (m *Tstat) bodyLen() int { return 4 }
func (m *Tstat) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
}

func (m *Tstat) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
}

func (m *Rstat) Kind() Kind { return KindRstat }
func (m *Rstat) MessageTag() Tag { return m.Tag }
func (m *Rstat) bodyLen() int { return 2 + m.Stat.wireLen() }
func (m *Rstat) encodeBody(w *writer) {
	w.u16(uint16(m.Stat.wireLen()))
	m.Stat.encode(w)
}

func (m *Rstat) decodeBody(r *reader) {
	n := int(r.u16())
	start := r.off
	m.Stat = decodeStat(r)
	if r.err == nil && r.off-start != n {
		r.fail("stat wrapper count does not match record length")
	}
}

func (m *Twstat) Kind() Kind { return KindTwstat }
func (m *Twstat) MessageTag() Tag { return m.Tag }
func (m *Twstat) bodyLen() int { return 4 + 2 + m.Stat.wireLen() }
func (m *Twstat) encodeBody(w *writer) {
	w.u32(uint32(m.Fid))
	w.u16(uint16(m.Stat.wireLen()))
	m.Stat.encode(w)
}

func (m *Twstat) decodeBody(r *reader) {
	m.Fid = Fid(r.u32())
	n := int(r.u16())
	start := r.off
	m.Stat = decodeStat(r)
	if r.err == nil && r.off-start != n {
		r.fail("stat wrapper count does not match record length")
	}
}

func (m *Rwstat) Kind() Kind { return KindRwstat }
func (m *Rwstat) MessageTag() Tag { return m.Tag }
func (m *Rwstat) bodyLen() int { return 0 }
func (m *Rwstat) encodeBody(*writer) {}
func (m *Rwstat) decodeBody(*reader) {}

// newMessage returns an empty message value for a wire kind, or nil for
// unknown kinds.
func newMessage(k Kind, tag Tag) Message {
	switch k {
	case KindTversion:
		return &Tversion{Tag: tag}
	case KindRversion:
		return &Rversion{Tag: tag}
	case KindTauth:
		return &Tauth{Tag: tag}
	case KindRauth:
		return &Rauth{Tag: tag}
	case KindTattach:
		return &Tattach{Tag: tag}
	case KindRattach:
		return &Rattach{Tag: tag}
	case KindRerror:
		return &Rerror{Tag: tag}
	case KindTflush:
		return &Tflush{Tag: tag}
	case KindRflush:
		return &Rflush{Tag: tag}
	case KindTwalk:
		return &Twalk{Tag: tag}
	case KindRwalk:
		return &Rwalk{Tag: tag}
	case KindTopen:
		return &Topen{Tag: tag}
	case KindRopen:
		return &Ropen{Tag: tag}
	case KindTcreate:
		return &Tcreate{Tag: tag}
	case KindRcreate:
		return &Rcreate{Tag: tag}
	case KindTread:
		return &Tread{Tag: tag}
	case KindRread:
		return &Rread{Tag: tag}
	case KindTwrite:
		return &Twrite{Tag: tag}
	case KindRwrite:
		return &Rwrite{Tag: tag}
	case KindTclunk:
		return &Tclunk{Tag: tag}
	case KindRclunk:
		return &Rclunk{Tag: tag}
	case KindTremove:
		return &Tremove{Tag: tag}
	case KindRremove:
		return &Rremove{Tag: tag}
	case KindTstat:
		return &Tstat{Tag: tag}
	case KindRstat:
		return &Rstat{Tag: tag}
	case KindTwstat:
		return &Twstat{Tag: tag}
	case KindRwstat:
		return &Rwstat{Tag: tag}
	}
	return nil
}

// Package styx implements the 9P2000 (Styx) wire protocol: message types,
// constants, and a binary codec translating between byte buffers and typed
// message values.
//
// Every message on the wire is laid out as
//
//	size[4] kind[1] tag[2] ...kind-specific fields...
//
// with all integers little-endian. size is the total message length
// including the size field itself. Variable-length byte strings are
// count[2] followed by count bytes; text strings are UTF-8 byte strings
// with the same convention. A qid is always 13 bytes, a stat record is a
// length-prefixed record (see Stat).
//
// The codec is stateless: Encode and Decode are pure functions over
// buffers, ReadMessage and WriteMessage add stream framing on top.
package styx

// Fid is a client-chosen handle naming a server-side resource reference
// within one connection.
type Fid uint32

// Tag is a client-chosen correlation id pairing one request with its
// response.
type Tag uint16

// Kind identifies a 9P2000 message type.
type Kind uint8

// OpenMode is the mode field of Topen and Tcreate.
type OpenMode uint8

// FileMode holds permission bits plus the DM* flag bits.
type FileMode uint32

// QidType holds the QT* flag bits of a qid.
type QidType uint8

// Protocol versions exchanged during Tversion/Rversion negotiation.
const (
	Version        = "9P2000"
	UnknownVersion = "unknown"
)

const (
	// HeaderLen is the fixed size[4] kind[1] tag[2] message prefix.
	HeaderLen = 7

	// QidLen is the wire size of a qid.
	QidLen = 13

	// ReadOverhead is the fixed portion of an Rread message; the data
	// payload of a read can be at most msize-ReadOverhead bytes.
	ReadOverhead = HeaderLen + 4

	// IOOverhead is the conventional per-message overhead reported as
	// iounit headroom (the largest T/R header of the I/O messages,
	// rounded up as in Plan 9's IOHDRSZ).
	IOOverhead = 24

	// MinMessageSize is the smallest msize a server will negotiate. A
	// message of this size still fits a maximal Twalk header.
	MinMessageSize = 256

	// MaxWalkElements is the 9P2000 bound on path elements in one Twalk.
	MaxWalkElements = 16
)

// Sentinel handle and tag values.
const (
	NoTag Tag = 0xFFFF
	NoFid Fid = 0xFFFFFFFF
)

// Message kinds. 106 (Terror) is illegal on the wire and deliberately
// absent.
const (
	KindTversion Kind = 100 + iota
	KindRversion
	KindTauth
	KindRauth
	KindTattach
	KindRattach
	_
	KindRerror
	KindTflush
	KindRflush
	KindTwalk
	KindRwalk
	KindTopen
	KindRopen
	KindTcreate
	KindRcreate
	KindTread
	KindRread
	KindTwrite
	KindRwrite
	KindTclunk
	KindRclunk
	KindTremove
	KindRremove
	KindTstat
	KindRstat
	KindTwstat
	KindRwstat
	kindMax
)

// Open modes for Topen/Tcreate.
const (
	OREAD  OpenMode = 0
	OWRITE OpenMode = 1
	ORDWR  OpenMode = 2
	OEXEC  OpenMode = 3

	OTRUNC  OpenMode = 0x10
	ORCLOSE OpenMode = 0x40
)

// Permission and file-kind bits of FileMode.
const (
	DMDIR    FileMode = 0x80000000
	DMAPPEND FileMode = 0x40000000
	DMEXCL   FileMode = 0x20000000
	DMAUTH   FileMode = 0x08000000
	DMTMP    FileMode = 0x04000000
)

// Qid type bits.
const (
	QTFILE   QidType = 0x00
	QTTMP    QidType = 0x04
	QTAUTH   QidType = 0x08
	QTEXCL   QidType = 0x20
	QTAPPEND QidType = 0x40
	QTDIR    QidType = 0x80
)

var kindNames = map[Kind]string{
	KindTversion: "Tversion",
	KindRversion: "Rversion",
	KindTauth:    "Tauth",
	KindRauth:    "Rauth",
	KindTattach:  "Tattach",
	KindRattach:  "Rattach",
	KindRerror:   "Rerror",
	KindTflush:   "Tflush",
	KindRflush:   "Rflush",
	KindTwalk:    "Twalk",
	KindRwalk:    "Rwalk",
	KindTopen:    "Topen",
	KindRopen:    "Ropen",
	KindTcreate:  "Tcreate",
	KindRcreate:  "Rcreate",
	KindTread:    "Tread",
	KindRread:    "Rread",
	KindTwrite:   "Twrite",
	KindRwrite:   "Rwrite",
	KindTclunk:   "Tclunk",
	KindRclunk:   "Rclunk",
	KindTremove:  "Tremove",
	KindRremove:  "Rremove",
	KindTstat:    "Tstat",
	KindRstat:    "Rstat",
	KindTwstat:   "Twstat",
	KindRwstat:   "Rwstat",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(unknown)"
}

// Readable reports whether mode permits reading through the fid.
func (m OpenMode) Readable() bool {
	switch m & 3 {
	case OREAD, ORDWR, OEXEC:
		return true
	}
	return false
}

// Writable reports whether mode permits writing through the fid.
func (m OpenMode) Writable() bool {
	switch m & 3 {
	case OWRITE, ORDWR:
		return true
	}
	return false
}

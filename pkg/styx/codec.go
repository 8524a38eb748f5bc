package styx

import (
	"fmt"
	"io"
)

// Encode returns the wire bytes of m. max bounds the total message size
// (a negotiated msize); 0 means unbounded. Fails with *EncodeError when
// the encoded message would exceed max or a variable-length field
// overflows its count prefix.
func Encode(m Message, max uint32) ([]byte, error) {
	total := HeaderLen + m.bodyLen()
	if max != 0 && uint32(total) > max {
		return nil, &EncodeError{
			Kind:   m.Kind(),
			Reason: fmt.Sprintf("message of %d bytes exceeds msize %d", total, max),
		}
	}
	if err := checkFieldWidths(m); err != nil {
		return nil, err
	}
	w := newWriter(total)
	w.u32(uint32(total))
	w.u8(uint8(m.Kind()))
	w.u16(uint16(m.MessageTag()))
	m.encodeBody(w)
	return w.bytes(), nil
}

// checkFieldWidths rejects fields that cannot be represented in their
// declared count prefix. Inside a sane msize these cannot occur, but an
// unbounded Encode must not silently truncate.
func checkFieldWidths(m Message) error {
	tooLong := func(what string) error {
		return &EncodeError{Kind: m.Kind(), Reason: what + " longer than 65535 bytes"}
	}
	switch v := m.(type) {
	case *Tversion:
		if len(v.Version) > 0xFFFF {
			return tooLong("version string")
		}
	case *Rversion:
		if len(v.Version) > 0xFFFF {
			return tooLong("version string")
		}
	case *Tauth:
		if len(v.Uname) > 0xFFFF || len(v.Aname) > 0xFFFF {
			return tooLong("name string")
		}
	case *Tattach:
		if len(v.Uname) > 0xFFFF || len(v.Aname) > 0xFFFF {
			return tooLong("name string")
		}
	case *Rerror:
		if len(v.Ename) > 0xFFFF {
			return tooLong("error string")
		}
	case *Twalk:
		if len(v.Names) > MaxWalkElements {
			return &EncodeError{Kind: m.Kind(), Reason: "walk with more than 16 path elements"}
		}
		for _, name := range v.Names {
			if len(name) > 0xFFFF {
				return tooLong("path element")
			}
		}
	case *Rwalk:
		if len(v.Qids) > MaxWalkElements {
			return &EncodeError{Kind: m.Kind(), Reason: "walk response with more than 16 qids"}
		}
	case *Tcreate:
		if len(v.Name) > 0xFFFF {
			return tooLong("name string")
		}
	case *Rstat:
		if v.Stat.wireLen() > 0xFFFF {
			return tooLong("stat record")
		}
	case *Twstat:
		if v.Stat.wireLen() > 0xFFFF {
			return tooLong("stat record")
		}
	}
	return nil
}

// Decode decodes one message from the front of buf and returns it along
// with the number of bytes consumed. Fails with *DecodeError when buf is
// shorter than the declared message length, a length prefix exceeds the
// remaining bytes, or the kind is unrecognized. The error carries the
// message tag when the header was readable.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, &DecodeError{Tag: NoTag, Reason: "truncated header"}
	}
	r := &reader{buf: buf}
	size := int(r.u32())
	if size < HeaderLen {
		return nil, 0, &DecodeError{Tag: NoTag, Reason: "declared size smaller than header"}
	}
	if size > len(buf) {
		return nil, 0, &DecodeError{Tag: NoTag, Reason: "buffer shorter than declared message size"}
	}
	kind := Kind(r.u8())
	tag := Tag(r.u16())
	m := newMessage(kind, tag)
	if m == nil {
		return nil, 0, &DecodeError{Tag: tag, Reason: fmt.Sprintf("unrecognized message kind %d", kind)}
	}
	// The body must consume exactly the declared size, no more, no less.
	body := &reader{buf: buf[HeaderLen:size]}
	m.decodeBody(body)
	if body.err != nil {
		return nil, 0, &DecodeError{Tag: tag, Reason: fmt.Sprintf("%s: %v", kind, body.err)}
	}
	if !body.drained() {
		return nil, 0, &DecodeError{Tag: tag, Reason: fmt.Sprintf("%s: trailing bytes after message body", kind)}
	}
	return m, size, nil
}

// ReadMessage reads exactly one message from r, enforcing max as the
// largest acceptable message size. Transport errors are returned as-is;
// malformed contents as *DecodeError.
func ReadMessage(r io.Reader, max uint32) (Message, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	if size < HeaderLen {
		return nil, &DecodeError{Tag: NoTag, Reason: "declared size smaller than header"}
	}
	if max != 0 && size > max {
		return nil, &DecodeError{Tag: NoTag, Reason: fmt.Sprintf("message of %d bytes exceeds msize %d", size, max)}
	}
	buf := make([]byte, size)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m, _, err := Decode(buf)
	return m, err
}

// WriteMessage encodes m and writes the complete wire image to w in a
// single Write call, so concurrent writers interleave only whole
// messages.
func WriteMessage(w io.Writer, m Message, max uint32) error {
	buf, err := Encode(m, max)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

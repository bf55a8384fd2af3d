// Package dnsmsg provides the small set of raw DNS wire-format
// manipulations the forwarder needs: reading/rewriting the header,
// decoding the first question's name, and rewriting or appending an EDNS
// OPT record. It never fully parses a message into records; the forwarder
// treats DNS payloads as opaque bytes wherever possible and only reaches
// into the wire format where the protocol requires it.
package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of a DNS message header.
	HeaderSize = 12

	// MaxPacketSize is the largest DNS message this forwarder will
	// construct or relay over UDP absent EDNS negotiation.
	MaxPacketSize = 4096

	flagQR = 0x8000
	flagTC = 0x0200

	maxLabelLen = 63
	maxNameLen  = 255
)

var (
	// ErrTooShort is returned when a buffer is smaller than a valid DNS
	// header or truncated mid-name.
	ErrTooShort = errors.New("dnsmsg: message too short")

	// ErrCompressionPointer is returned when decoding a name that uses
	// compression pointers; the forwarder only ever decodes the name
	// from a freshly-built query, which never contains one.
	ErrCompressionPointer = errors.New("dnsmsg: unexpected compression pointer")

	// ErrInvalidLabel is returned for a label length that runs past the
	// end of the buffer or exceeds the wire-format limit.
	ErrInvalidLabel = errors.New("dnsmsg: invalid label")

	// ErrNameTooLong is returned when a decoded name exceeds 255 bytes.
	ErrNameTooLong = errors.New("dnsmsg: name too long")
)

// TID reads the 16-bit transaction ID at the start of msg.
func TID(msg []byte) (uint16, error) {
	if len(msg) < HeaderSize {
		return 0, ErrTooShort
	}
	return binary.BigEndian.Uint16(msg[0:2]), nil
}

// SetTID overwrites the transaction ID in place.
func SetTID(msg []byte, tid uint16) error {
	if len(msg) < HeaderSize {
		return ErrTooShort
	}
	binary.BigEndian.PutUint16(msg[0:2], tid)
	return nil
}

// IsResponse reports whether the QR bit is set.
func IsResponse(msg []byte) (bool, error) {
	if len(msg) < HeaderSize {
		return false, ErrTooShort
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	return flags&flagQR != 0, nil
}

// IsTruncated reports whether the TC bit is set.
func IsTruncated(msg []byte) (bool, error) {
	if len(msg) < HeaderSize {
		return false, ErrTooShort
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	return flags&flagTC != 0, nil
}

// SetTruncated sets the TC bit and zeroes ANCOUNT/NSCOUNT/ARCOUNT, for
// synthesizing a truncated response when a fallback is unavailable.
func SetTruncated(msg []byte) error {
	if len(msg) < HeaderSize {
		return ErrTooShort
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	flags |= flagTC | flagQR
	binary.BigEndian.PutUint16(msg[2:4], flags)
	binary.BigEndian.PutUint16(msg[6:8], 0)
	binary.BigEndian.PutUint16(msg[8:10], 0)
	binary.BigEndian.PutUint16(msg[10:12], 0)
	return nil
}

// QDCount reads QDCOUNT from the header.
func QDCount(msg []byte) (uint16, error) {
	if len(msg) < HeaderSize {
		return 0, ErrTooShort
	}
	return binary.BigEndian.Uint16(msg[4:6]), nil
}

// FirstQuestionName decodes the QNAME of the first question, returning the
// name as wire-format labels joined with dots (not unescaped, matching the
// simple representation the forwarder's comparisons need) and the byte
// offset immediately after the question's QTYPE/QCLASS fields.
func FirstQuestionName(msg []byte) (name string, afterQuestion int, err error) {
	if len(msg) < HeaderSize {
		return "", 0, ErrTooShort
	}
	qdcount, err := QDCount(msg)
	if err != nil {
		return "", 0, err
	}
	if qdcount == 0 {
		return "", 0, fmt.Errorf("dnsmsg: no question section")
	}

	off := HeaderSize
	name, off, err = decodeName(msg, off)
	if err != nil {
		return "", 0, err
	}
	if off+4 > len(msg) {
		return "", 0, ErrTooShort
	}
	return name, off + 4, nil
}

// decodeName decodes a single name starting at off, rejecting compression
// pointers (the forwarder only ever calls this on a query it built itself
// or one it is validating before relaying, never on a response with
// compressed names pointing earlier in the message).
func decodeName(msg []byte, off int) (string, int, error) {
	var labels []string
	total := 0

	for {
		if off >= len(msg) {
			return "", 0, ErrTooShort
		}
		length := int(msg[off])

		if length == 0 {
			off++
			break
		}
		if length&0xC0 == 0xC0 {
			return "", 0, ErrCompressionPointer
		}
		if length > maxLabelLen {
			return "", 0, ErrInvalidLabel
		}
		off++
		if off+length > len(msg) {
			return "", 0, ErrInvalidLabel
		}
		labels = append(labels, string(msg[off:off+length]))
		off += length
		total += length + 1
		if total > maxNameLen {
			return "", 0, ErrNameTooLong
		}
	}

	if len(labels) == 0 {
		return ".", off, nil
	}

	name := ""
	for i, l := range labels {
		if i > 0 {
			name += "."
		}
		name += l
	}
	return name, off, nil
}

// EqualName compares two wire-decoded names for equality, ASCII
// case-insensitively, per RFC 4343.
func EqualName(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

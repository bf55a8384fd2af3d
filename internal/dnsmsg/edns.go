package dnsmsg

import "encoding/binary"

const (
	typeOPT = 41

	// optRRMinSize is NAME(1, root) + TYPE(2) + CLASS(2) + TTL(4) + RDLENGTH(2).
	optRRMinSize = 11
)

// RewriteOrAppendOPT idempotently ensures msg's OPT pseudo-record (if any)
// advertises maxPayload as its UDP payload size (the CLASS field of the
// root-named OPT record), appending a minimal one with no options if the
// message carries none. It assumes msg has no records after the question
// section other than (optionally) a single OPT record in the additional
// section, which holds for every query this forwarder builds or accepts
// from a DNSCrypt client before relaying upstream.
func RewriteOrAppendOPT(msg []byte, maxPayload uint16) ([]byte, error) {
	_, afterQuestion, err := FirstQuestionName(msg)
	if err != nil {
		return nil, err
	}

	arcount := binary.BigEndian.Uint16(msg[10:12])
	if arcount == 0 {
		return appendOPT(msg, maxPayload), nil
	}

	off := afterQuestion
	if off >= len(msg) || msg[off] != 0 {
		// Additional section doesn't start with a root-named OPT record;
		// leave the message untouched rather than guess at unrelated RRs.
		return msg, nil
	}
	if off+optRRMinSize > len(msg) {
		return nil, ErrTooShort
	}
	rrType := binary.BigEndian.Uint16(msg[off+1 : off+3])
	if rrType != typeOPT {
		return msg, nil
	}

	binary.BigEndian.PutUint16(msg[off+3:off+5], maxPayload)
	return msg, nil
}

// appendOPT appends a minimal OPT RR (root name, no extended flags, no
// options) advertising maxPayload, bumping ARCOUNT by one.
func appendOPT(msg []byte, maxPayload uint16) []byte {
	opt := make([]byte, optRRMinSize)
	opt[0] = 0 // root name
	binary.BigEndian.PutUint16(opt[1:3], typeOPT)
	binary.BigEndian.PutUint16(opt[3:5], maxPayload)
	// opt[5:9] extended RCODE/version/flags all zero
	// opt[9:11] RDLENGTH zero, no options

	out := append(msg, opt...)
	arcount := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], arcount+1)
	return out
}

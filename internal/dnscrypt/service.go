package dnscrypt

import (
	"encoding/binary"

	"github.com/dnscryptd/dnscryptd/internal/dnsmsg"
)

const (
	dnsTypeTXT  = 16
	dnsClassIN  = 1
	certTTL     = 86400
	namePointer = 0xC00C // pointer to the name at offset 12, right after the header
)

// ServeCertificates answers a plaintext query for the provider name's TXT
// record with one record per entry in paramsSet, each a marshaled
// certificate. It returns ok == false for any query that isn't a TXT
// question for providerName, in which case the caller should fall through
// to the normal decrypt-and-forward path.
func ServeCertificates(query []byte, providerName string, paramsSet []*EncryptionParams) (response []byte, ok bool) {
	qname, afterQuestion, err := dnsmsg.FirstQuestionName(query)
	if err != nil {
		return nil, false
	}
	if !dnsmsg.EqualName(qname, providerName) {
		return nil, false
	}
	if afterQuestion < 4 {
		return nil, false
	}
	qtype := binary.BigEndian.Uint16(query[afterQuestion-4 : afterQuestion-2])
	if qtype != dnsTypeTXT {
		return nil, false
	}

	resp := make([]byte, afterQuestion)
	copy(resp, query[:afterQuestion])

	flags := binary.BigEndian.Uint16(resp[2:4])
	flags |= 0x8000 // QR
	binary.BigEndian.PutUint16(resp[2:4], flags)
	binary.BigEndian.PutUint16(resp[6:8], uint16(len(paramsSet))) // ANCOUNT
	binary.BigEndian.PutUint16(resp[8:10], 0)                     // NSCOUNT
	binary.BigEndian.PutUint16(resp[10:12], 0)                    // ARCOUNT

	for _, p := range paramsSet {
		resp = appendCertAnswer(resp, p.Certificate.Marshal())
	}

	return resp, true
}

func appendCertAnswer(resp []byte, certBytes []byte) []byte {
	var head [2 + 2 + 2 + 4]byte
	binary.BigEndian.PutUint16(head[0:2], namePointer)
	binary.BigEndian.PutUint16(head[2:4], dnsTypeTXT)
	binary.BigEndian.PutUint16(head[4:6], dnsClassIN)
	binary.BigEndian.PutUint32(head[6:10], certTTL)
	resp = append(resp, head[:]...)

	rdata := encodeTXT(certBytes)
	var rdlen [2]byte
	binary.BigEndian.PutUint16(rdlen[:], uint16(len(rdata)))
	resp = append(resp, rdlen[:]...)
	resp = append(resp, rdata...)
	return resp
}

// encodeTXT splits data into the length-prefixed character-strings a TXT
// RDATA is made of, chunking at 255 bytes (certificates are well under
// that, so this always produces a single chunk in practice).
func encodeTXT(data []byte) []byte {
	var out []byte
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 255 {
			chunk = chunk[:255]
		}
		out = append(out, byte(len(chunk)))
		out = append(out, chunk...)
		data = data[len(chunk):]
	}
	return out
}

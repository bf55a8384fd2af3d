// Package query implements the end-to-end handling of one DNSCrypt query:
// certificate requests answered in place, everything else decrypted,
// relayed to the upstream resolver, and the reply re-encrypted back to the
// client.
package query

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnscrypt"
	"github.com/dnscryptd/dnscryptd/internal/dnsglobals"
	"github.com/dnscryptd/dnscryptd/internal/dnsmsg"
	"github.com/dnscryptd/dnscryptd/internal/logging"
	"github.com/dnscryptd/dnscryptd/internal/metrics"
)

// defaultMaxAttempts bounds how many UDP reads the pipeline will make
// looking for the response matching a forwarded query's transaction ID,
// tolerating stray or reordered datagrams on the upstream socket without
// blocking forever.
const defaultMaxAttempts = 10

// frameOverhead is the fixed cost Encrypt adds around the padded
// plaintext: resolver_magic, client and server nonce halves, and the
// Poly1305 tag.
const frameOverhead = dnscrypt.ResolverMagicSize + crypto.NonceSize + crypto.TagSize

// Upstreamer exchanges a plaintext DNS query with the upstream resolver.
// Pipeline depends on this interface rather than net directly so tests can
// substitute a fake resolver.
type Upstreamer interface {
	ExchangeUDP(ctx context.Context, addr *net.UDPAddr, query []byte, timeout time.Duration, maxAttempts int, wantTID uint16) (response []byte, err error)
	ExchangeTCP(ctx context.Context, addr *net.TCPAddr, query []byte, timeout time.Duration) (response []byte, err error)
}

// netUpstreamer is the production Upstreamer, talking to a real resolver
// over the network. When externalAddr is set, outgoing sockets bind to it
// rather than letting the kernel pick a source address.
type netUpstreamer struct {
	externalAddr net.IP
}

func (u netUpstreamer) ExchangeUDP(ctx context.Context, addr *net.UDPAddr, query []byte, timeout time.Duration, maxAttempts int, wantTID uint16) ([]byte, error) {
	var laddr *net.UDPAddr
	if u.externalAddr != nil {
		laddr = &net.UDPAddr{IP: u.externalAddr}
	}
	conn, err := net.DialUDP("udp", laddr, addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream udp: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write upstream udp: %w", err)
	}

	buf := make([]byte, dnsmsg.MaxPacketSize)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read upstream udp: %w", err)
		}
		tid, err := dnsmsg.TID(buf[:n])
		if err != nil || tid != wantTID {
			continue
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])
		return resp, nil
	}
	return nil, fmt.Errorf("no matching upstream response after %d attempts", maxAttempts)
}

func (u netUpstreamer) ExchangeTCP(ctx context.Context, addr *net.TCPAddr, query []byte, timeout time.Duration) ([]byte, error) {
	dialer := net.Dialer{Timeout: timeout}
	if u.externalAddr != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: u.externalAddr}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial upstream tcp: %w", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(query)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("write upstream tcp length: %w", err)
	}
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write upstream tcp query: %w", err)
	}

	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("read upstream tcp length: %w", err)
	}
	respLen := binary.BigEndian.Uint16(lenPrefix[:])
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read upstream tcp response: %w", err)
	}
	return resp, nil
}

// Pipeline handles encrypted DNSCrypt queries against a fixed set of
// globals, metrics and an upstream resolver.
type Pipeline struct {
	Globals     *dnsglobals.Globals
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Upstream    Upstreamer
	MaxAttempts int
}

// NewPipeline builds a Pipeline wired to the real network upstream.
func NewPipeline(g *dnsglobals.Globals, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Pipeline{
		Globals:     g,
		Metrics:     m,
		Logger:      logger,
		Upstream:    netUpstreamer{externalAddr: g.ExternalAddr},
		MaxAttempts: defaultMaxAttempts,
	}
}

// Handle answers one raw query received over transport ("udp" or "tcp").
// clientMaxSize bounds the encrypted response: the acceptors pass the
// size of the query itself over UDP, and 4096 over TCP.
func (p *Pipeline) Handle(ctx context.Context, raw []byte, transport string, clientMaxSize int) ([]byte, error) {
	start := time.Now()
	active := p.Globals.Certs.Active()

	if resp, ok := dnscrypt.ServeCertificates(raw, p.Globals.ProviderName, active); ok {
		p.Metrics.RecordCertificateQuery()
		return resp, nil
	}

	dq, err := dnscrypt.Decrypt(raw, active)
	if err != nil {
		p.Globals.DecryptFailures.Add(1)
		kind := classifyDecryptError(err)
		p.Metrics.RecordDecryptFailure(kind.String())
		return nil, newError(kind, err)
	}

	originalTID, err := dnsmsg.TID(dq.Plaintext)
	if err != nil {
		return nil, newError(KindMalformed, err)
	}

	qdcount, err := dnsmsg.QDCount(dq.Plaintext)
	if err != nil {
		return nil, newError(KindMalformed, err)
	}
	if qdcount != 1 {
		return nil, newError(KindMalformed, fmt.Errorf("query has QDCOUNT %d, want 1", qdcount))
	}
	isResponse, err := dnsmsg.IsResponse(dq.Plaintext)
	if err != nil {
		return nil, newError(KindMalformed, err)
	}
	if isResponse {
		return nil, newError(KindMalformed, errors.New("query has QR bit set"))
	}

	forwardTID, err := randomTID()
	if err != nil {
		return nil, newError(KindUpstreamError, err)
	}

	forwardQuery := append([]byte(nil), dq.Plaintext...)
	if err := dnsmsg.SetTID(forwardQuery, forwardTID); err != nil {
		return nil, newError(KindMalformed, err)
	}
	forwardQuery, err = dnsmsg.RewriteOrAppendOPT(forwardQuery, dnsmsg.MaxPacketSize)
	if err != nil {
		return nil, newError(KindMalformed, err)
	}

	if p.Globals.UpstreamAddr == nil {
		return nil, newError(KindUpstreamError, errors.New("no upstream address configured"))
	}

	response, usedTCP, err := p.forward(ctx, forwardQuery, forwardTID)
	if err != nil {
		p.Globals.UpstreamErrors.Add(1)
		kind := KindUpstreamError
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			kind = KindUpstreamTimeout
		}
		p.Metrics.RecordUpstreamError(transport)
		return nil, newError(kind, err)
	}
	if usedTCP {
		p.Metrics.RecordUpstreamFallback()
	}

	response = append([]byte(nil), response...)
	if err := dnsmsg.SetTID(response, originalTID); err != nil {
		return nil, newError(KindMalformed, err)
	}

	limit := clientMaxSize - frameOverhead - 1
	if limit > 0 && len(response) > limit {
		if truncated, tErr := truncateResponse(response); tErr == nil {
			response = truncated
			p.Metrics.RecordResponseTruncated()
		}
	}

	sealed, err := dnscrypt.Encrypt(dq.Cipher, dq.SharedKey, dq.ClientNonce, response, clientMaxSize)
	if err != nil {
		return nil, newError(KindEncryptFailed, err)
	}

	p.Globals.QueriesHandled.Add(1)
	p.Metrics.RecordQuery(transport)
	p.Metrics.RecordQueryLatency(time.Since(start).Seconds())

	return sealed, nil
}

// forward relays query to the upstream resolver over UDP, falling back to
// TCP when the UDP reply comes back truncated. If the TCP fallback itself
// fails, the truncated UDP reply is returned rather than an error, leaving
// the client free to retry over TCP on its own.
func (p *Pipeline) forward(ctx context.Context, query []byte, tid uint16) (response []byte, usedTCP bool, err error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	resp, err := p.Upstream.ExchangeUDP(ctx, p.Globals.UpstreamAddr, query, p.Globals.UDPTimeout, maxAttempts, tid)
	if err != nil {
		return nil, false, err
	}

	truncated, _ := dnsmsg.IsTruncated(resp)
	if !truncated || p.Globals.UpstreamAddrTCP == nil {
		return resp, false, nil
	}

	tcpResp, tcpErr := p.Upstream.ExchangeTCP(ctx, p.Globals.UpstreamAddrTCP, query, p.Globals.TCPTimeout)
	if tcpErr != nil {
		p.Logger.Warn("tcp upstream fallback failed, returning truncated udp reply", logging.KeyError, tcpErr)
		return resp, false, nil
	}
	return tcpResp, true, nil
}

func classifyDecryptError(err error) Kind {
	switch {
	case errors.Is(err, dnscrypt.ErrMessageTooShort):
		return KindMalformed
	case errors.Is(err, dnscrypt.ErrUnknownClientMagic):
		return KindUnknownClientMagic
	default:
		return KindDecryptFailed
	}
}

// truncateResponse keeps only the header and question section of response
// and sets the TC bit, for when the full answer doesn't fit clientMaxSize
// once encrypted.
func truncateResponse(response []byte) ([]byte, error) {
	_, afterQuestion, err := dnsmsg.FirstQuestionName(response)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), response[:afterQuestion]...)
	if err := dnsmsg.SetTruncated(out); err != nil {
		return nil, err
	}
	return out, nil
}

func randomTID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate transaction id: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

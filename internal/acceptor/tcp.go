package acceptor

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/dnsglobals"
	"github.com/dnscryptd/dnscryptd/internal/logging"
	"github.com/dnscryptd/dnscryptd/internal/metrics"
	"github.com/dnscryptd/dnscryptd/internal/recovery"
)

// maxTCPMessageSize is the largest DNS message the 2-byte TCP length
// prefix can express, bounding how large an incoming query read is
// allowed to be.
const maxTCPMessageSize = 65535

// maxTCPResponseSize is the cap on an encrypted response sent back over
// TCP, independent of the wire framing limit above.
const maxTCPResponseSize = 4096

// tlsRecordType is the first byte of a TLS record; 0x16 is Handshake,
// which every ClientHello starts with.
const tlsRecordType = 0x16

// tlsMajorVersion is the second byte of any TLS record seen in practice
// (SSLv3 through TLS 1.3 all advertise a major version of 3).
const tlsMajorVersion = 0x03

// TCPListener accepts TCP connections that are either DNSCrypt-over-TCP
// queries or, when globals.TLSUpstreamAddr is configured, a TLS
// ClientHello to relay verbatim — letting the forwarder share a port with
// a TLS service the way dnscrypt-wrapper's port-443 multiplexing does.
type TCPListener struct {
	ln       *net.TCPListener
	globals  *dnsglobals.Globals
	pipeline Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTCPListener binds addr and returns a listener ready for Serve.
func NewTCPListener(addr *net.TCPAddr, g *dnsglobals.Globals, pipeline Pipeline, m *metrics.Metrics, logger *slog.Logger) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &TCPListener{
		ln:       ln,
		globals:  g,
		pipeline: pipeline,
		metrics:  m,
		logger:   logger.With(logging.KeyComponent, "acceptor.tcp"),
		stopCh:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound address.
func (l *TCPListener) LocalAddr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called.
func (l *TCPListener) Serve() error {
	for {
		if err := l.ln.SetDeadline(time.Now().Add(readPollInterval)); err != nil {
			return err
		}

		conn, err := l.ln.AcceptTCP()
		if err != nil {
			select {
			case <-l.stopCh:
				return nil
			default:
			}
			if isClosedNetErr(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.logger.Warn("tcp accept failed", logging.KeyError, err)
			continue
		}

		abort, release := l.globals.TCPAdmission.Push()
		l.metrics.SetActiveConnections("tcp", l.globals.TCPAdmission.Len())

		l.wg.Add(1)
		go l.handleConn(conn, abort, release)
	}
}

func (l *TCPListener) handleConn(conn *net.TCPConn, abort <-chan struct{}, release func()) {
	defer l.wg.Done()
	defer func() {
		release()
		l.metrics.SetActiveConnections("tcp", l.globals.TCPAdmission.Len())
	}()
	defer conn.Close()
	defer recovery.RecoverWithLog(l.logger, "acceptor.tcp.handleConn")

	br := bufio.NewReader(conn)
	peek, err := br.Peek(2)
	if err != nil {
		return
	}

	if l.globals.TLSUpstreamAddr != nil && peek[0] == tlsRecordType && peek[1] == tlsMajorVersion {
		l.relayTLS(conn, br, abort)
		return
	}

	l.serveDNS(conn, br, abort)
}

// serveDNS handles one or more pipelined DNS-over-TCP queries on conn,
// each length-prefixed per RFC 1035 section 4.2.2, until the client closes
// the connection, a read fails, or abort fires.
func (l *TCPListener) serveDNS(conn *net.TCPConn, br *bufio.Reader, abort <-chan struct{}) {
	for {
		select {
		case <-abort:
			l.metrics.RecordConnectionEvicted("tcp")
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.globals.TCPTimeout)); err != nil {
			return
		}

		var lenPrefix [2]byte
		if _, err := io.ReadFull(br, lenPrefix[:]); err != nil {
			return
		}
		qlen := binary.BigEndian.Uint16(lenPrefix[:])
		query := make([]byte, qlen)
		if _, err := io.ReadFull(br, query); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.globals.TCPTimeout)
		response, err := l.pipeline.Handle(ctx, query, "tcp", maxTCPResponseSize)
		cancel()
		if err != nil {
			l.logger.Debug("tcp query failed", logging.KeyError, err)
			return
		}

		var respLenPrefix [2]byte
		binary.BigEndian.PutUint16(respLenPrefix[:], uint16(len(response)))

		if err := conn.SetWriteDeadline(time.Now().Add(l.globals.TCPTimeout)); err != nil {
			return
		}
		if _, err := conn.Write(respLenPrefix[:]); err != nil {
			return
		}
		if _, err := conn.Write(response); err != nil {
			return
		}
	}
}

// relayTLS dials globals.TLSUpstreamAddr and copies bytes verbatim in
// both directions, including the ClientHello bytes already buffered in br
// from the protocol sniff.
func (l *TCPListener) relayTLS(conn *net.TCPConn, br *bufio.Reader, abort <-chan struct{}) {
	dialer := net.Dialer{Timeout: l.globals.TCPTimeout}
	if l.globals.ExternalAddr != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: l.globals.ExternalAddr}
	}
	upstream, err := dialer.Dial("tcp", l.globals.TLSUpstreamAddr.String())
	if err != nil {
		l.metrics.RecordUpstreamError("tls")
		l.logger.Debug("tls upstream dial failed", logging.KeyError, err)
		return
	}
	upstreamTCP, _ := upstream.(*net.TCPConn)
	defer upstream.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-abort:
			l.metrics.RecordConnectionEvicted("tcp")
			conn.Close()
			upstream.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, br)
		if upstreamTCP != nil {
			upstreamTCP.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, upstream)
		conn.CloseWrite()
	}()
	wg.Wait()
}

// Close stops Serve and waits for all in-flight connections to finish.
func (l *TCPListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		err = l.ln.Close()
	})
	l.wg.Wait()
	return err
}

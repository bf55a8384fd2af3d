package acceptor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/dnsglobals"
	"github.com/dnscryptd/dnscryptd/internal/dnsmsg"
	"github.com/dnscryptd/dnscryptd/internal/logging"
	"github.com/dnscryptd/dnscryptd/internal/metrics"
	"github.com/dnscryptd/dnscryptd/internal/recovery"
)

// readPollInterval bounds how long a blocked UDP read can delay reacting
// to Close, the same polling-deadline pattern the mesh's UDP relay uses
// for its read loops.
const readPollInterval = time.Second

// UDPListener accepts DNSCrypt queries on a single UDP socket, admitting
// each datagram through globals.UDPAdmission before handing it to the
// pipeline on its own goroutine.
type UDPListener struct {
	conn     *net.UDPConn
	globals  *dnsglobals.Globals
	pipeline Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewUDPListener binds addr and returns a listener ready for Serve.
func NewUDPListener(addr *net.UDPAddr, g *dnsglobals.Globals, pipeline Pipeline, m *metrics.Metrics, logger *slog.Logger) (*UDPListener, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &UDPListener{
		conn:     conn,
		globals:  g,
		pipeline: pipeline,
		metrics:  m,
		logger:   logger.With(logging.KeyComponent, "acceptor.udp"),
		stopCh:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound address.
func (l *UDPListener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Serve reads datagrams until Close is called, dispatching each to its
// own goroutine. It always returns nil on a clean Close.
func (l *UDPListener) Serve() error {
	buf := make([]byte, dnsmsg.MaxPacketSize)

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return err
		}

		n, remoteAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedNetErr(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.logger.Warn("udp read failed", logging.KeyError, err)
			continue
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		abort, release := l.globals.UDPAdmission.Push()
		l.metrics.SetActiveConnections("udp", l.globals.UDPAdmission.Len())

		l.wg.Add(1)
		go l.handle(query, remoteAddr, abort, release)
	}
}

func (l *UDPListener) handle(query []byte, remoteAddr *net.UDPAddr, abort <-chan struct{}, release func()) {
	defer l.wg.Done()
	defer func() {
		release()
		l.metrics.SetActiveConnections("udp", l.globals.UDPAdmission.Len())
	}()
	defer recovery.RecoverWithLog(l.logger, "acceptor.udp.handle")

	ctx, cancel := context.WithTimeout(context.Background(), l.globals.UDPTimeout)
	defer cancel()

	type result struct {
		response []byte
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer recovery.RecoverWithLog(l.logger, "acceptor.udp.pipeline")
		// The response must never exceed the size of the query that
		// elicited it, or a spoofed small query becomes a reflected
		// amplification vector.
		response, err := l.pipeline.Handle(ctx, query, "udp", len(query))
		done <- result{response, err}
	}()

	select {
	case <-abort:
		l.metrics.RecordConnectionEvicted("udp")
	case <-ctx.Done():
	case r := <-done:
		if r.err != nil {
			l.logger.Debug("udp query failed",
				logging.KeyError, r.err,
				logging.KeyRemoteAddr, remoteAddr.String())
			return
		}
		if _, err := l.conn.WriteToUDP(r.response, remoteAddr); err != nil {
			l.logger.Debug("udp reply failed", logging.KeyError, err)
		}
	}
}

// Close stops Serve and waits for all in-flight handlers to finish.
func (l *UDPListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		err = l.conn.Close()
	})
	l.wg.Wait()
	return err
}

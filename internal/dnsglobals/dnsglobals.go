// Package dnsglobals bundles everything the query pipeline and transport
// acceptors need that is fixed for the life of the process: listen
// addresses, upstream addresses, the provider identity, a handle onto the
// rotating certificate manager, timeouts/limits, and process-wide atomic
// counters. It is built once at startup and passed explicitly to every
// component that needs it, rather than reached for through package-level
// state.
package dnsglobals

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/admission"
	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnscrypt"
)

// CertSource is the minimal view dnsglobals needs onto the rotation
// manager: the currently active certificate set.
type CertSource interface {
	Active() []*dnscrypt.EncryptionParams
}

// Globals is the immutable-after-startup dependency bundle shared by the
// acceptors and the query pipeline.
type Globals struct {
	ListenAddrs     []*net.UDPAddr
	ListenAddrsTCP  []*net.TCPAddr
	UpstreamAddr    *net.UDPAddr
	UpstreamAddrTCP *net.TCPAddr
	TLSUpstreamAddr *net.TCPAddr // nil disables TLS ClientHello pass-through
	ExternalAddr    net.IP

	ProviderName string
	Provider     *crypto.SigningKeypair
	Certs        CertSource

	UDPTimeout time.Duration
	TCPTimeout time.Duration

	UDPAdmission *admission.Set
	TCPAdmission *admission.Set

	// Counters, safe for concurrent use from every acceptor/query goroutine.
	QueriesHandled  atomic.Uint64
	DecryptFailures atomic.Uint64
	UpstreamErrors  atomic.Uint64
}

// New builds a Globals from resolved addresses and sized admission sets.
// Admission set sizing applies the fix for the defect in the system this
// was based on, which reused one bound for both transports: UDP and TCP
// each get their own configured capacity.
func New(providerName string, provider *crypto.SigningKeypair, certs CertSource, udpMaxActive, tcpMaxActive int, udpTimeout, tcpTimeout time.Duration) *Globals {
	return &Globals{
		ProviderName: providerName,
		Provider:     provider,
		Certs:        certs,
		UDPTimeout:   udpTimeout,
		TCPTimeout:   tcpTimeout,
		UDPAdmission: admission.New(udpMaxActive),
		TCPAdmission: admission.New(tcpMaxActive),
	}
}

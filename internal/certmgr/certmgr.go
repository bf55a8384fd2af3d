// Package certmgr rotates the forwarder's short-term encryption
// certificates on a schedule, publishing the active set through an atomic
// pointer so query handlers never block on a lock to read it.
package certmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnscrypt"
	"github.com/dnscryptd/dnscryptd/internal/logging"
	"github.com/dnscryptd/dnscryptd/internal/recovery"
	"github.com/dnscryptd/dnscryptd/internal/state"
)

// Config controls rotation timing and which ciphers to mint certificates
// for.
type Config struct {
	Provider       *crypto.SigningKeypair
	StateFile      string
	Ciphers        []crypto.Cipher
	CertLifetime   time.Duration
	CertOverlap    time.Duration
	RotateInterval time.Duration // defaults to CertLifetime/2 when zero
}

// Manager owns the active EncryptionParams set and rotates it on a timer.
// Readers (the query pipeline) call Active and never take a lock; writes
// happen only from the manager's own rotation goroutine and from Start's
// initial load, both of which only ever call atomic.Pointer.Store.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	active atomic.Pointer[[]*dnscrypt.EncryptionParams]

	mu          sync.Mutex // serializes rotation against concurrent rotate calls
	nextSerial  uint32
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Manager. Call Start to load persisted state (or mint a
// fresh set if none exists) and begin the rotation loop.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.RotateInterval == 0 {
		cfg.RotateInterval = cfg.CertLifetime / 2
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Active returns the current active EncryptionParams set, newest first.
// Never returns nil or empty once Start has completed.
func (m *Manager) Active() []*dnscrypt.EncryptionParams {
	p := m.active.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Start loads persisted state if present, otherwise mints an initial set,
// then launches the background rotation loop.
func (m *Manager) Start() error {
	if err := m.loadOrInit(); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "certmgr.rotate")
		m.rotateLoop()
	}()
	return nil
}

// Stop halts the rotation loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loadOrInit() error {
	s, err := state.Load(m.cfg.StateFile)
	if err != nil {
		m.logger.Info("no persisted state, minting initial certificates", logging.KeyError, err)
		return m.rotate(true)
	}

	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], s.ProviderSeed)
	if seed != providerSeed(m.cfg.Provider) {
		return fmt.Errorf("certmgr: state file provider seed does not match configured provider key")
	}

	var loaded []*dnscrypt.EncryptionParams
	var maxSerial uint32
	for i := range s.Params {
		p, err := s.Params[i].ToEncryptionParams(m.cfg.Provider)
		if err != nil {
			m.logger.Warn("dropping unparseable persisted params entry", logging.KeyError, err)
			continue
		}
		loaded = append(loaded, p)
		if p.Serial > maxSerial {
			maxSerial = p.Serial
		}
	}
	if len(loaded) == 0 {
		return m.rotate(true)
	}

	m.nextSerial = maxSerial + 1
	m.active.Store(&loaded)
	return nil
}

func providerSeed(kp *crypto.SigningKeypair) [crypto.Ed25519SeedSize]byte {
	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], kp.PrivateKey[:crypto.Ed25519SeedSize])
	return seed
}

func (m *Manager) rotateLoop() {
	ticker := time.NewTicker(m.cfg.RotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.rotate(false); err != nil {
				m.logger.Error("certificate rotation failed", logging.KeyError, err)
			}
		}
	}
}

// rotate mints a fresh EncryptionParams entry per configured cipher, with a
// validity window that opens CertOverlap before now (so clients already
// holding the previous certificate keep a grace period to pick up the new
// one) and closes CertLifetime after now. Entries whose ts_end has already
// passed are dropped so the active set never grows unbounded.
func (m *Manager) rotate(initial bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := uint32(time.Now().Unix())
	tsStart := now - uint32(m.cfg.CertOverlap.Seconds())
	tsEnd := now + uint32(m.cfg.CertLifetime.Seconds())

	var fresh []*dnscrypt.EncryptionParams
	for _, cipher := range m.cfg.Ciphers {
		serial := m.nextSerial
		m.nextSerial++

		p, err := dnscrypt.NewEncryptionParams(cipher, serial, tsStart, tsEnd, m.cfg.Provider)
		if err != nil {
			return fmt.Errorf("certmgr: mint params for %s: %w", cipher, err)
		}
		fresh = append(fresh, p)
	}

	combined := fresh
	if !initial {
		for _, p := range m.Active() {
			if p.TSEnd > now {
				combined = append(combined, p)
			}
		}
	}

	m.active.Store(&combined)
	m.logger.Info("rotated encryption certificates", "count", len(combined))

	return m.persist(combined)
}

func (m *Manager) persist(active []*dnscrypt.EncryptionParams) error {
	seed := providerSeed(m.cfg.Provider)

	s := &state.State{ProviderSeed: seed[:]}
	for _, p := range active {
		s.Params = append(s.Params, state.FromEncryptionParams(p))
	}

	if err := state.Save(m.cfg.StateFile, s); err != nil {
		return fmt.Errorf("certmgr: persist state: %w", err)
	}
	return nil
}

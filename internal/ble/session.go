package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
)

// SessionOptions configures the BLE session behavior.
type SessionOptions struct {
	ConnectTimeout time.Duration // bound on establishing the link
	PairTimeout    time.Duration // bound on the bonding handshake, PIN entry included
	ReadTimeout    time.Duration // bound on discovery and each characteristic read
	RequirePairing bool          // bond before reading if not already bonded
	KeepAlive      bool          // keep the link open between fetches
	Logger         *zap.Logger
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout: 15 * time.Second,
		PairTimeout:    60 * time.Second,
		ReadTimeout:    10 * time.Second,
		RequirePairing: true,
	}
}

// Session manages the BLE connection to a single Aranet4. It is safe for
// concurrent use but calls are serialized.
type Session struct {
	adapter Adapter
	addr    Address
	pins    PINProvider
	opts    SessionOptions
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	enabled bool
	conn    Connection
	char    Characteristic

	state atomic.Int32
}

// NewSession creates a session for the device at addr. pins may be nil when
// the device never asks for a PIN.
func NewSession(adapter Adapter, addr Address, pins PINProvider, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = def.PairTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		adapter: adapter,
		addr:    addr,
		pins:    pins,
		opts:    opts,
		log:     log.With(zap.Stringer("address", addr)),
		now:     time.Now,
	}
}

// Address returns the target device address.
func (s *Session) Address() Address {
	return s.addr
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.log.Debug("session state", zap.Stringer("from", old), zap.Stringer("to", st))
	}
}

// EnterBackoff records that the caller is waiting before the next attempt.
func (s *Session) EnterBackoff() {
	s.setState(StateBackoff)
}

// Disconnected returns a channel closed when the held connection drops, or
// nil when no connection is held.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Disconnected()
}

// FetchOnce connects (and pairs) if needed, reads the current readings
// characteristic and decodes it. The connection is released on every error
// and, unless KeepAlive is set, after a successful read.
func (s *Session) FetchOnce(ctx context.Context) (reading protocol.Reading, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if err != nil || !s.opts.KeepAlive {
			s.release()
		}
	}()

	if s.conn != nil {
		select {
		case <-s.conn.Disconnected():
			s.log.Info("held connection dropped since last read, reconnecting")
			s.release()
		default:
		}
	}

	if s.conn == nil {
		if err := s.connect(ctx); err != nil {
			return protocol.Reading{}, err
		}
	}
	if s.char == nil {
		if s.opts.RequirePairing {
			if err := s.pair(ctx); err != nil {
				return protocol.Reading{}, err
			}
		}
		if err := s.resolve(ctx); err != nil {
			return protocol.Reading{}, err
		}
	}

	data, err := s.read(ctx)
	if err != nil {
		return protocol.Reading{}, err
	}

	reading, err = protocol.Decode(data, s.now())
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if s.opts.KeepAlive {
		s.setState(StatePolling)
	}
	s.log.Debug("read current readings", zap.Int("bytes", len(data)))
	return reading, nil
}

// Close releases the connection if one is held.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("%w: %s: %w", ErrAdapterUnavailable, s.addr.Adapter, err)
		}
		s.enabled = true
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	type connectResult struct {
		conn Connection
		err  error
	}
	ch := make(chan connectResult, 1)
	go func() {
		conn, err := s.adapter.Connect(cctx, s.addr)
		ch <- connectResult{conn, err}
	}()

	s.log.Debug("connecting", zap.Duration("timeout", s.opts.ConnectTimeout))
	select {
	case <-cctx.Done():
		// A connect that completes after we gave up must not linger on
		// the adapter.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.conn.Disconnect()
			}
		}()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return fmt.Errorf("ble: connect to %s: %w", s.addr, ctx.Err())
		}
		return fmt.Errorf("%w: %s: no connection within %s", ErrDeviceUnreachable, s.addr, s.opts.ConnectTimeout)
	case res := <-ch:
		if res.err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, s.addr, res.err)
		}
		s.conn = res.conn
	}

	s.setState(StateConnected)
	s.log.Info("connected")
	return nil
}

func (s *Session) pair(ctx context.Context) error {
	paired, err := s.conn.Paired()
	if err != nil {
		return fmt.Errorf("ble: query pairing state of %s: %w", s.addr, err)
	}
	if paired {
		return nil
	}
	if s.pins == nil {
		return fmt.Errorf("%w: %s requires pairing but no PIN source is configured", ErrPairingDenied, s.addr)
	}

	s.setState(StatePairing)
	s.log.Info("device is not paired, pairing", zap.Duration("timeout", s.opts.PairTimeout))

	pctx, cancel := context.WithTimeout(ctx, s.opts.PairTimeout)
	defer cancel()
	_, err = await(pctx, s.conn.Disconnected(), func() (struct{}, error) {
		return struct{}{}, s.conn.Pair(pctx, s.pins)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionLost):
		return fmt.Errorf("ble: pair with %s: %w", s.addr, err)
	case ctx.Err() != nil:
		return fmt.Errorf("ble: pair with %s: %w", s.addr, ctx.Err())
	case errors.Is(err, ErrPairingTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrPairingTimeout, s.addr, s.opts.PairTimeout)
	case errors.Is(err, ErrPairingDenied):
		return fmt.Errorf("ble: pair with %s: %w", s.addr, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrPairingDenied, s.addr, err)
	}

	s.setState(StateConnected)
	s.log.Info("paired")
	return nil
}

func (s *Session) resolve(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	char, err := await(rctx, s.conn.Disconnected(), func() (Characteristic, error) {
		return s.conn.DiscoverCharacteristic(ServiceUUID, CurrentReadingsCharUUID)
	})
	if err != nil {
		return fmt.Errorf("ble: discover current readings on %s: %w", s.addr, s.stalled(ctx, err))
	}
	s.char = char
	return nil
}

func (s *Session) read(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	data, err := await(rctx, s.conn.Disconnected(), s.char.Read)
	if err != nil {
		return nil, fmt.Errorf("ble: read current readings from %s: %w", s.addr, s.stalled(ctx, err))
	}
	return data, nil
}

// stalled reports a step that hit ReadTimeout while ctx was still live as a
// lost connection: the link is up but the peripheral stopped answering.
func (s *Session) stalled(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: no response within %s: %w", ErrConnectionLost, s.opts.ReadTimeout, err)
	}
	return err
}

// release disconnects the held connection (caller must hold mu).
func (s *Session) release() {
	if s.conn != nil {
		s.log.Debug("closing connection")
		if err := s.conn.Disconnect(); err != nil {
			s.log.Warn("disconnect failed", zap.Error(err))
		}
	}
	s.conn = nil
	s.char = nil
	s.setState(StateDisconnected)
}

// await runs fn and returns its result unless ctx expires or lost closes
// first. A connection drop reported alongside a failure is surfaced as
// ErrConnectionLost.
func await[T any](ctx context.Context, lost <-chan struct{}, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case res := <-ch:
		if res.err != nil {
			select {
			case <-lost:
				return zero, fmt.Errorf("%w: %w", ErrConnectionLost, res.err)
			default:
			}
		}
		return res.v, res.err
	case <-lost:
		return zero, ErrConnectionLost
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

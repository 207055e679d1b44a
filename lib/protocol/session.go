// Package protocol provides the packet exchange state machine shared by the host and worker roles.
// This file contains the Session type that drives header/payload reads, dispatches
// received packets to a role-specific handler and serializes outgoing writes.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/transport"
)

// State is the position of a session in the receive cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingHeader
	StateReadingPayload
	StateProcessing
	StateDone
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingHeader:
		return "AwaitingHeader"
	case StateReadingPayload:
		return "ReadingPayload"
	case StateProcessing:
		return "Processing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	// ErrTransport wraps every I/O failure on the channel.
	ErrTransport = errors.New("transport error")
	// ErrProtocol wraps every violation of the packet exchange.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout is returned by Pump when its deadline passes.
	ErrTimeout = errors.New("timed out")

	ErrUnexpectedPacket = errors.New("unexpected packet type")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrSessionClosed    = errors.New("session already finished")
)

// Handler reacts to a fully received packet. Returning an error fails the session.
type Handler interface {
	HandlePacket(s *Session, p *packet.Packet) error
}

// HandlerFunc is a convenience type for converting functions to Handler
type HandlerFunc func(s *Session, p *packet.Packet) error

// HandlePacket implements Handler interface
func (f HandlerFunc) HandlePacket(s *Session, p *packet.Packet) error {
	return f(s, p)
}

// Session is one connection attempt for one role. It is not safe for concurrent
// use: every method, including Pump, must be called from the owning goroutine.
// A session is never reused after Done or Failed.
type Session struct {
	ch      *transport.Channel
	handler Handler
	log     logrus.FieldLogger

	state    State
	expected packet.TypeSet
	err      error

	header    [packet.HeaderSize]byte
	current   packet.Header
	readBuf   *packet.Buffer
	writeQ    [][]byte
	writing   bool
	finishing bool

	exchanges uint64
}

// NewSession creates a session over ch. Until Expect is called only VERSION is accepted.
func NewSession(ch *transport.Channel, handler Handler, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		ch:       ch,
		handler:  handler,
		log:      log,
		state:    StateIdle,
		expected: packet.SetOf(packet.TypeVersion),
		readBuf:  packet.NewBuffer(),
	}
}

// Start issues the first header read.
func (s *Session) Start() error {
	if s.state != StateIdle {
		return fmt.Errorf("session already started (state %s)", s.state)
	}
	s.readHeader()
	return s.err
}

// Expect replaces the set of packet types accepted from the peer.
func (s *Session) Expect(types ...packet.Type) {
	s.expected = packet.SetOf(types...)
}

// Send encodes a packet and writes it, after any writes already queued.
func (s *Session) Send(t packet.Type, seq uint32, payload []byte) error {
	if s.terminal() {
		if s.err != nil {
			return s.err
		}
		return ErrSessionClosed
	}

	data, err := packet.Encode(t, seq, payload)
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{"type": t, "seq": seq, "size": len(payload)}).Debug("sending packet")
	s.writeQ = append(s.writeQ, data)
	s.flushWrites()
	return s.err
}

// Finish marks the exchange as complete. It is called from a Handler; the
// session becomes Done once the queued writes have been accepted and no
// further header is read.
func (s *Session) Finish() {
	if s.terminal() {
		return
	}
	s.finishing = true
	s.maybeDone()
}

// Fail aborts the session with err. Outstanding operations are cancelled.
func (s *Session) Fail(err error) {
	if s.terminal() {
		return
	}
	s.state = StateFailed
	s.err = err
	s.log.WithError(err).Debug("session failed")
	s.ch.Cancel()
}

// Pump delivers completions on the calling goroutine until cond holds, the
// session ends, ctx is done or timeout elapses. A timeout cancels the channel
// and fails the session with ErrTimeout.
func (s *Session) Pump(ctx context.Context, timeout time.Duration, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if cond() {
			return nil
		}
		switch s.state {
		case StateFailed:
			return s.err
		case StateDone:
			return ErrSessionClosed
		}

		select {
		case c := <-s.ch.Completions():
			s.complete(c)
		case <-timer.C:
			s.Fail(fmt.Errorf("%w after %s in state %s", ErrTimeout, timeout, s.state))
		case <-ctx.Done():
			s.Fail(ctx.Err())
		}
	}
}

// Close fails the session if it is still live and releases the channel.
func (s *Session) Close() error {
	if !s.terminal() {
		s.Fail(ErrSessionClosed)
	}
	return s.ch.Close()
}

// Cancel aborts outstanding channel operations from any goroutine. The failure
// is observed by the next Pump.
func (s *Session) Cancel() {
	s.ch.Cancel()
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	return s.err
}

// Done reports whether the session finished cleanly.
func (s *Session) Done() bool {
	return s.state == StateDone
}

// Exchanges returns the number of packets processed so far.
func (s *Session) Exchanges() uint64 {
	return s.exchanges
}

func (s *Session) terminal() bool {
	return s.state == StateDone || s.state == StateFailed
}

func (s *Session) complete(c transport.Completion) {
	if s.terminal() {
		// Late completion of an operation aborted by Fail.
		return
	}
	if c.Err != nil {
		s.Fail(fmt.Errorf("%w: %s: %w", ErrTransport, c.Op, c.Err))
		return
	}

	switch c.Op {
	case transport.OpWrite:
		s.writing = false
		s.flushWrites()
		s.maybeDone()
	case transport.OpRead:
		switch s.state {
		case StateAwaitingHeader:
			s.onHeader()
		case StateReadingPayload:
			s.onPayload(c.Data)
		default:
			s.Fail(fmt.Errorf("%w: read completed in state %s", ErrProtocol, s.state))
		}
	}
}

func (s *Session) readHeader() {
	s.state = StateAwaitingHeader
	if err := s.ch.ReadExact(s.header[:]); err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
}

func (s *Session) onHeader() {
	h, err := packet.DecodeHeader(s.header[:])
	if err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	if !s.expected.Has(h.Type) {
		s.Fail(fmt.Errorf("%w: %w: %s", ErrProtocol, ErrUnexpectedPacket, h.Type))
		return
	}
	s.current = h

	if h.PayloadSize == 0 {
		s.process(nil)
		return
	}

	buf, err := s.readBuf.Reserve(int(h.PayloadSize))
	if err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	s.state = StateReadingPayload
	if err := s.ch.ReadExact(buf); err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
}

func (s *Session) onPayload(data []byte) {
	s.process(data)
}

func (s *Session) process(payload []byte) {
	s.state = StateProcessing

	p, err := packet.DecodePayload(s.current, payload)
	if err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}

	s.log.WithFields(logrus.Fields{"type": p.Type, "seq": p.Sequence, "size": len(p.Payload)}).Debug("received packet")
	s.exchanges++

	if err := s.handler.HandlePacket(s, p); err != nil {
		s.Fail(err)
		return
	}
	if s.terminal() {
		return
	}
	if s.finishing {
		s.maybeDone()
		return
	}
	s.readHeader()
}

func (s *Session) flushWrites() {
	if s.writing || len(s.writeQ) == 0 || s.terminal() {
		return
	}

	next := s.writeQ[0]
	s.writeQ[0] = nil
	s.writeQ = s.writeQ[1:]

	if err := s.ch.WriteExact(next); err != nil {
		s.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	s.writing = true
}

func (s *Session) maybeDone() {
	// Finish is only honoured between packets, never with a read in flight.
	if s.finishing && !s.writing && len(s.writeQ) == 0 && s.state == StateProcessing {
		s.state = StateDone
	}
}

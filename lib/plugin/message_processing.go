// Package plugin provides packet processing for the host coordinator.
// This file contains the host-side handler invoked by the protocol session for
// every packet the worker sends.
package plugin

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/protocol"
)

// handlePacket runs on the goroutine pumping the current worker's session.
func (l *Loader) handlePacket(s *protocol.Session, p *packet.Packet) error {
	w := l.worker
	if w == nil || w.session != s {
		return fmt.Errorf("%w: packet for a discarded worker", protocol.ErrProtocol)
	}

	switch p.Type {
	case packet.TypeVersion:
		return l.handleVersion(w, p)
	case packet.TypeDetails:
		l.handleDetails(p)
		return nil
	case packet.TypeExit:
		w.exitEchoed = true
		s.Finish()
		return nil
	default:
		return fmt.Errorf("%w: %w: %s", protocol.ErrProtocol, protocol.ErrUnexpectedPacket, p.Type)
	}
}

func (l *Loader) handleVersion(w *worker, p *packet.Packet) error {
	var remote packet.VersionInfo
	if err := remote.UnmarshalBinary(p.Payload); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if !remote.Equal(l.opts.Version) {
		return fmt.Errorf("%w: %w: worker %s, host %s",
			protocol.ErrProtocol, protocol.ErrVersionMismatch, remote, l.opts.Version)
	}

	w.handshaken = true
	w.session.Expect(packet.TypeDetails, packet.TypeExit)
	return nil
}

func (l *Loader) handleDetails(p *packet.Packet) {
	if len(l.pending) == 0 || l.pending[0].Sequence != p.Sequence {
		l.log.WithField("seq", p.Sequence).Warn("ignoring DETAILS for a request that is not in flight")
		return
	}
	head := l.pending[0]

	if len(p.Payload) == 0 {
		l.blacklistHead(ErrLoadFailed, true)
		return
	}

	rec, err := l.opts.Serializer.Deserialize(p.Payload)
	if err != nil {
		l.blacklistHead(fmt.Errorf("%w: %w", ErrLoadFailed, err), true)
		return
	}
	// The worker's view of the file is not trusted for identity.
	rec.Filename = head.Path
	rec.Size = head.Size
	rec.Mtime = head.Mtime
	rec.Blacklisted = false
	delete(l.blacklist, head.Path)

	out := Outcome{Record: rec}
	if err := l.opts.Registry.Merge(rec); err != nil {
		out.Err = fmt.Errorf("registry merge failed: %w", err)
	}

	l.log.WithFields(logrus.Fields{"seq": head.Sequence, "path": head.Path, "name": rec.Name}).Info("candidate loaded")
	l.resolveHead(out)
}

// resolveHead dequeues the head request and stores its outcome.
func (l *Loader) resolveHead(out Outcome) {
	head := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]

	out.Sequence = head.Sequence
	out.Path = head.Path
	out.Attempts = head.Attempts
	l.outcomes[head.Sequence] = out
}

// Package plugin provides packet processing for the worker role.
// This file contains the worker-side handler: the handshake reply, LOAD
// requests and the EXIT echo.
package plugin

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/protocol"
	"github.com/snowmerak/pluginscan/lib/registry"
)

// HandlePacket implements protocol.Handler for one host connection.
func (mc *moduleConn) HandlePacket(s *protocol.Session, p *packet.Packet) error {
	switch p.Type {
	case packet.TypeVersion:
		return mc.handleVersion(s, p)
	case packet.TypeLoad:
		return mc.handleLoad(s, p)
	case packet.TypeExit:
		if err := s.Send(packet.TypeExit, p.Sequence, nil); err != nil {
			return err
		}
		s.Finish()
		return nil
	default:
		return fmt.Errorf("%w: %w: %s", protocol.ErrProtocol, protocol.ErrUnexpectedPacket, p.Type)
	}
}

func (mc *moduleConn) handleVersion(s *protocol.Session, p *packet.Packet) error {
	var remote packet.VersionInfo
	if err := remote.UnmarshalBinary(p.Payload); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}

	local := mc.m.opts.Version
	payload, err := local.MarshalBinary()
	if err != nil {
		return err
	}
	// The reply goes out even on mismatch so the host can report both sides.
	if err := s.Send(packet.TypeVersion, p.Sequence, payload); err != nil {
		return err
	}

	if !remote.Equal(local) {
		mc.err = fmt.Errorf("%w: %w: host %s, worker %s",
			protocol.ErrProtocol, protocol.ErrVersionMismatch, remote, local)
		s.Finish()
		return nil
	}

	s.Expect(packet.TypeLoad, packet.TypeExit)
	return nil
}

func (mc *moduleConn) handleLoad(s *protocol.Session, p *packet.Packet) error {
	path, err := packet.DecodeLoad(p.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}

	log := mc.log.WithFields(logrus.Fields{"seq": p.Sequence, "path": path})
	details := mc.details(log, path)
	if len(details) > 0 {
		mc.loaded++
	}
	return s.Send(packet.TypeDetails, p.Sequence, details)
}

// details loads path and serializes the record. An empty result reports failure.
func (mc *moduleConn) details(log logrus.FieldLogger, path string) []byte {
	rec, err := mc.m.opts.Loader.LoadModule(mc.ctx, path)
	if err != nil {
		log.WithError(err).Info("candidate failed to load")
		return nil
	}
	if rec == nil {
		log.Info("loader returned no record")
		return nil
	}

	chunks, err := mc.m.opts.Serializer.Serialize(rec)
	if err != nil {
		log.WithError(err).Warn("failed to serialize record")
		return nil
	}

	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	if size > mc.m.opts.MaxPayload {
		log.WithFields(logrus.Fields{"size": size, "max": mc.m.opts.MaxPayload}).Warn("record too large, reporting failure")
		return nil
	}

	return registry.Concat(chunks)
}

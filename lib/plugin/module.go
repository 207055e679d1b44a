// Package plugin provides the worker entry point.
// This file contains functions for creating a Module and serving a host connection.
package plugin

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/protocol"
	"github.com/snowmerak/pluginscan/lib/transport"
)

// NewModule creates a Module.
func NewModule(opts *ModuleOptions) (*Module, error) {
	if opts == nil || opts.Loader == nil {
		return nil, fmt.Errorf("module loader is required")
	}

	defaults := DefaultModuleOptions()
	if opts.Serializer == nil {
		opts.Serializer = defaults.Serializer
	}
	if opts.Version == (packet.VersionInfo{}) {
		opts.Version = defaults.Version
	}
	if opts.MaxPayload <= 0 || opts.MaxPayload > packet.MaxPayloadSize {
		opts.MaxPayload = defaults.MaxPayload
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaults.IdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}

	return &Module{
		opts: opts,
		log:  opts.Logger.WithField("role", "worker"),
	}, nil
}

// Serve connects to the host endpoint at address and serves it until EXIT.
func (m *Module) Serve(ctx context.Context, address string) error {
	conn, err := transport.DialConn(ctx, address)
	if err != nil {
		return err
	}
	return m.ServeConn(ctx, conn)
}

// ServeConn serves one host connection: the VERSION handshake, then LOAD
// requests until the host sends EXIT. It returns nil after a clean EXIT and the
// session error otherwise. The connection is closed on return.
func (m *Module) ServeConn(ctx context.Context, conn net.Conn) error {
	mc := &moduleConn{m: m, ctx: ctx, log: m.log}
	s := protocol.NewSession(transport.NewChannel(conn), mc, m.log)
	defer s.Close()

	if err := s.Start(); err != nil {
		return err
	}

	for {
		seen := s.Exchanges()
		err := s.Pump(ctx, m.opts.IdleTimeout, func() bool {
			return s.Done() || s.Exchanges() != seen
		})
		if err != nil {
			return err
		}
		if s.Done() {
			m.log.WithFields(logrus.Fields{"loaded": mc.loaded}).Debug("worker finished")
			return mc.err
		}
	}
}

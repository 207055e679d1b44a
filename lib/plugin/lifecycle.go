// Package plugin provides lifecycle management for worker processes.
// This file contains functions for creating the loader, spawning and handshaking
// workers, discarding dead ones and shutting down.
package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/protocol"
	"github.com/snowmerak/pluginscan/lib/registry"
	"github.com/snowmerak/pluginscan/lib/transport"
)

// NewLoader creates a Loader. Nothing is spawned until the first request is driven.
func NewLoader(opts *LoaderOptions) (*Loader, error) {
	if opts == nil {
		opts = DefaultLoaderOptions()
	}
	if opts.WorkerPath == "" {
		return nil, fmt.Errorf("worker path is required")
	}

	defaults := DefaultLoaderOptions()
	if opts.Spawner == nil {
		opts.Spawner = defaults.Spawner
	}
	if opts.Serializer == nil {
		opts.Serializer = defaults.Serializer
	}
	if opts.Registry == nil {
		opts.Registry = defaults.Registry
	}
	if opts.Version == (packet.VersionInfo{}) {
		opts.Version = defaults.Version
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaults.LoadTimeout
	}
	if opts.ExitTimeout <= 0 {
		opts.ExitTimeout = defaults.ExitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}

	hostID := uuid.New().String()[:8]
	return &Loader{
		opts:      opts,
		log:       opts.Logger.WithFields(logrus.Fields{"role": "host", "host": hostID}),
		hostID:    hostID,
		outcomes:  make(map[uint32]Outcome),
		blacklist: make(map[string]*registry.Record),
	}, nil
}

// Close resolves every pending request, then asks the worker to exit and waits
// for it (killing it after ExitTimeout). A second Close returns ErrLoaderClosed.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoaderClosed
	}
	l.closed = true

	err := l.drive(ctx, func() bool { return len(l.pending) == 0 })
	if l.worker != nil {
		l.shutdownWorker(ctx)
	}
	return err
}

// spawn launches a worker and completes the version handshake with it.
func (l *Loader) spawn(ctx context.Context) error {
	l.spawnCount++
	name := l.endpointName()

	endpoint, err := transport.Listen(l.opts.SocketDir, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	args := make([]string, 0, len(l.opts.WorkerArgs)+1)
	args = append(args, l.opts.WorkerArgs...)
	args = append(args, endpoint.Address())

	proc, err := l.opts.Spawner.Spawn(ctx, l.opts.WorkerPath, args, l.opts.Env)
	if err != nil {
		endpoint.Close()
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	log := l.log.WithFields(logrus.Fields{"pid": proc.Pid(), "spawn": l.spawnCount})
	log.Info("spawned worker")

	ch, err := endpoint.Accept(ctx, l.opts.ConnectTimeout, proc.Done())
	if err != nil {
		proc.Kill()
		endpoint.Close()
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	w := &worker{proc: proc, endpoint: endpoint}
	w.session = protocol.NewSession(ch, protocol.HandlerFunc(l.handlePacket), log)
	l.worker = w

	version, err := l.opts.Version.MarshalBinary()
	if err != nil {
		l.discardWorker(err)
		return err
	}
	if err := w.session.Start(); err != nil {
		l.discardWorker(err)
		return err
	}
	if err := w.session.Send(packet.TypeVersion, 0, version); err != nil {
		l.discardWorker(err)
		return err
	}
	if err := w.session.Pump(ctx, l.opts.HandshakeTimeout, func() bool { return w.handshaken }); err != nil {
		l.discardWorker(err)
		return fmt.Errorf("handshake failed: %w", err)
	}

	log.Debug("worker handshake complete")
	return nil
}

// discardWorker tears down the current worker without talking to it.
func (l *Loader) discardWorker(reason error) {
	w := l.worker
	if w == nil {
		return
	}
	l.worker = nil

	l.log.WithError(reason).WithField("pid", w.proc.Pid()).Warn("discarding worker")
	w.session.Close()
	if err := w.proc.Kill(); err != nil {
		l.log.WithError(err).Warn("failed to kill worker")
	}
	w.endpoint.Close()
}

// shutdownWorker performs the EXIT exchange and makes sure the process is gone.
func (l *Loader) shutdownWorker(ctx context.Context) {
	w := l.worker
	l.worker = nil
	log := l.log.WithField("pid", w.proc.Pid())

	s := w.session
	if err := s.Send(packet.TypeExit, l.allocSequence(), nil); err != nil {
		log.WithError(err).Warn("failed to send EXIT")
	} else if err := s.Pump(ctx, l.opts.ExitTimeout, func() bool { return w.exitEchoed }); err != nil {
		log.WithError(err).Warn("worker did not echo EXIT")
	}
	s.Close()

	timer := time.NewTimer(l.opts.ExitTimeout)
	defer timer.Stop()
	select {
	case <-w.proc.Done():
		log.Debug("worker exited")
	case <-timer.C:
		log.Warn("worker still running after EXIT, killing it")
		if err := w.proc.Kill(); err != nil {
			log.WithError(err).Warn("failed to kill worker")
		}
	}

	w.endpoint.Close()
}

// strand blacklists every pending request after a failure that no respawn can
// fix. The candidates themselves are not at fault, so nothing reaches the
// registry and a later run probes them again.
func (l *Loader) strand(cause error) {
	for len(l.pending) > 0 {
		l.blacklistHead(cause, false)
	}
}

// blacklistHead resolves the head request as blacklisted. persist also merges
// the blacklist record into the registry.
func (l *Loader) blacklistHead(cause error, persist bool) {
	head := l.pending[0]
	rec := registry.NewBlacklistRecord(head.Path, head.Size, head.Mtime)
	l.blacklist[head.Path] = rec

	l.log.WithError(cause).WithFields(logrus.Fields{"seq": head.Sequence, "path": head.Path}).Warn("blacklisting candidate")
	out := Outcome{Record: rec, Blacklisted: true, Err: cause}
	if persist {
		if err := l.opts.Registry.Merge(rec); err != nil {
			out.Err = fmt.Errorf("%w (registry merge failed: %v)", cause, err)
		}
	}
	l.resolveHead(out)
}

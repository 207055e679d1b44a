// Package plugin provides the request API of the host coordinator.
// This file contains functions for submitting candidates and driving the
// pending queue through the worker.
package plugin

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/registry"
)

// Enqueue appends a candidate to the pending queue and returns its sequence
// number. A file blacklisted earlier in this run resolves immediately unless
// its size or mtime changed since.
func (l *Loader) Enqueue(path string, size, mtime int64) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLoaderClosed
	}

	seq := l.allocSequence()
	if l.blacklist[path].Fresh(size, mtime) {
		l.outcomes[seq] = Outcome{
			Sequence:    seq,
			Path:        path,
			Record:      registry.NewBlacklistRecord(path, size, mtime),
			Blacklisted: true,
			Err:         ErrBlacklisted,
		}
		return seq, nil
	}

	l.pending = append(l.pending, &PendingRequest{
		Sequence: seq,
		Path:     path,
		Size:     size,
		Mtime:    mtime,
	})
	return seq, nil
}

// Submit enqueues a candidate and waits for it to resolve.
func (l *Loader) Submit(ctx context.Context, path string, size, mtime int64) (Outcome, error) {
	seq, err := l.Enqueue(path, size, mtime)
	if err != nil {
		return Outcome{}, err
	}
	return l.Wait(ctx, seq)
}

// Wait drives the queue until seq resolves and returns its outcome. Requests
// ahead of seq are resolved first; their outcomes stay available to Wait and Flush.
// A non-nil error means driving stopped; the outcome is still returned when seq
// was resolved on the way (e.g. stranded by a failed spawn).
func (l *Loader) Wait(ctx context.Context, seq uint32) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if out, ok := l.takeOutcome(seq); ok {
		return out, nil
	}
	if !l.isPending(seq) {
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnknownSequence, seq)
	}
	if l.closed {
		return Outcome{}, ErrLoaderClosed
	}

	err := l.drive(ctx, func() bool {
		_, ok := l.outcomes[seq]
		return ok
	})
	out, _ := l.takeOutcome(seq)
	return out, err
}

// Flush drives the queue until it is empty and returns every outcome not yet
// claimed by Wait, in sequence order.
func (l *Loader) Flush(ctx context.Context) ([]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if !l.closed {
		err = l.drive(ctx, func() bool { return len(l.pending) == 0 })
	}
	return l.takeOutcomes(), err
}

// Pending returns the number of unresolved requests.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// drive processes the head of the queue until done holds. Worker failures are
// absorbed by respawning; only spawn/handshake failures and ctx end it early.
func (l *Loader) drive(ctx context.Context, done func() bool) error {
	for !done() && len(l.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step sends the head request to a live worker and waits for its DETAILS.
func (l *Loader) step(ctx context.Context) error {
	head := l.pending[0]

	if l.opts.MaxAttempts > 0 && head.Attempts >= l.opts.MaxAttempts {
		l.blacklistHead(fmt.Errorf("%w: %d attempts", ErrAttemptsExhausted, head.Attempts), true)
		return nil
	}

	if l.worker == nil {
		if err := l.spawn(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			l.strand(err)
			return err
		}
	}

	w := l.worker
	head.Attempts++
	log := l.log.WithFields(logrus.Fields{"seq": head.Sequence, "path": head.Path, "attempt": head.Attempts})
	log.Debug("loading candidate")

	if err := w.session.Send(packet.TypeLoad, head.Sequence, packet.EncodeLoad(head.Path)); err != nil {
		l.discardWorker(err)
		return nil
	}

	err := w.session.Pump(ctx, l.opts.LoadTimeout, func() bool {
		return len(l.pending) == 0 || l.pending[0] != head
	})
	if err != nil {
		l.discardWorker(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info("respawning worker for pending requests")
	}
	return nil
}

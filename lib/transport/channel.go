// Package transport provides the byte-stream channel shared by the scanner host and its workers.
// This file contains the Channel type: exact-size reads and writes whose completions
// are delivered asynchronously instead of blocking the caller.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Op identifies the direction of a completed operation.
type Op uint8

const (
	OpRead  Op = 0x01
	OpWrite Op = 0x02
)

// String returns the string representation of Op
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

var (
	ErrReadPending  = errors.New("read already outstanding")
	ErrWritePending = errors.New("write already outstanding")
	ErrPoisoned     = errors.New("channel poisoned by an earlier failure")
	ErrCancelled    = errors.New("channel cancelled")
)

// Completion reports the end of one ReadExact or WriteExact.
// Data is the buffer that was filled (read) or sent (write).
type Completion struct {
	Op   Op
	Data []byte
	Err  error
}

// Channel is a duplex byte stream with at most one outstanding read and one
// outstanding write. Once any operation fails the channel is poisoned and the
// owning session has to be replaced.
type Channel struct {
	conn net.Conn

	completions chan Completion

	reading atomic.Bool
	writing atomic.Bool

	poisoned atomic.Bool
	errMutex sync.Mutex
	err      error

	closeOnce sync.Once
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		// One slot per direction, so a completing operation never blocks.
		completions: make(chan Completion, 2),
	}
}

// Completions returns the channel on which completions are delivered.
// The owner must drain it to make progress.
func (c *Channel) Completions() <-chan Completion {
	return c.completions
}

// ReadExact starts reading exactly len(dst) bytes into dst. It never blocks;
// the result arrives on Completions. Partial reads are reported as errors.
func (c *Channel) ReadExact(dst []byte) error {
	if c.poisoned.Load() {
		return c.poisonErr()
	}
	if !c.reading.CompareAndSwap(false, true) {
		return ErrReadPending
	}

	go func() {
		var err error
		if len(dst) > 0 {
			if _, err = io.ReadFull(c.conn, dst); err != nil {
				c.poison(err)
			}
		}
		c.reading.Store(false)
		c.completions <- Completion{Op: OpRead, Data: dst, Err: err}
	}()
	return nil
}

// WriteExact starts writing all of buf. It never blocks; the result arrives on Completions.
func (c *Channel) WriteExact(buf []byte) error {
	if c.poisoned.Load() {
		return c.poisonErr()
	}
	if !c.writing.CompareAndSwap(false, true) {
		return ErrWritePending
	}

	go func() {
		var err error
		for written := 0; written < len(buf) && err == nil; {
			var n int
			n, err = c.conn.Write(buf[written:])
			written += n
		}
		if err != nil {
			c.poison(err)
		}
		c.writing.Store(false)
		c.completions <- Completion{Op: OpWrite, Data: buf, Err: err}
	}()
	return nil
}

// Cancel aborts any outstanding operation and poisons the channel.
// The aborted operations still deliver their (failed) completions.
func (c *Channel) Cancel() {
	c.poison(ErrCancelled)
	// An expired deadline unblocks pending Read/Write calls immediately.
	c.conn.SetDeadline(time.Now())
}

// Pending reports whether a read or write is still outstanding.
func (c *Channel) Pending() bool {
	return c.reading.Load() || c.writing.Load()
}

// Err returns the error that poisoned the channel, or nil.
func (c *Channel) Err() error {
	c.errMutex.Lock()
	defer c.errMutex.Unlock()
	return c.err
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.poison(net.ErrClosed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) poison(err error) {
	c.errMutex.Lock()
	defer c.errMutex.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.poisoned.Store(true)
}

func (c *Channel) poisonErr() error {
	return fmt.Errorf("%w: %w", ErrPoisoned, c.Err())
}

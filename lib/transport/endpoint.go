package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrAcceptTimeout = errors.New("timeout waiting for worker connection")
	ErrAcceptAborted = errors.New("worker went away before connecting")
)

// Endpoint is the host side of a unix domain socket rendezvous. One endpoint
// accepts exactly one worker connection.
type Endpoint struct {
	socketPath string
	listener   net.Listener
}

// Listen creates an endpoint named name inside dir (os.TempDir() when empty).
func Listen(dir, name string) (*Endpoint, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	socketPath := filepath.Join(dir, name+".sock")

	// Clean up any stale socket file from an earlier run
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket listener: %w", err)
	}

	return &Endpoint{
		socketPath: socketPath,
		listener:   listener,
	}, nil
}

// Address returns the rendezvous address to hand to the worker.
func (e *Endpoint) Address() string {
	return e.socketPath
}

// Accept waits for the worker to connect. It gives up after timeout, when ctx
// ends, or as soon as abort is closed (typically the worker process exiting).
func (e *Endpoint) Accept(ctx context.Context, timeout time.Duration, abort <-chan struct{}) (*Channel, error) {
	connChan := make(chan net.Conn, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := e.listener.Accept()
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-connChan:
		return NewChannel(conn), nil
	case err := <-errChan:
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	case <-timer.C:
		e.abandonAccept(connChan, errChan)
		return nil, ErrAcceptTimeout
	case <-abort:
		e.abandonAccept(connChan, errChan)
		return nil, ErrAcceptAborted
	case <-ctx.Done():
		e.abandonAccept(connChan, errChan)
		return nil, ctx.Err()
	}
}

// abandonAccept closes the listener and closes the connection the pending
// Accept may still return. Once the listener is closed exactly one of the
// channels receives a value.
func (e *Endpoint) abandonAccept(connChan <-chan net.Conn, errChan <-chan error) {
	e.listener.Close()
	go func() {
		select {
		case conn := <-connChan:
			conn.Close()
		case <-errChan:
		}
	}()
}

// Close stops listening and removes the socket file.
func (e *Endpoint) Close() error {
	err := e.listener.Close()
	if rmErr := os.Remove(e.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// DialConn connects to an endpoint address and returns the raw connection.
func DialConn(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to unix socket: %w", err)
	}
	return conn, nil
}

// Dial connects to an endpoint address and wraps the connection in a Channel.
func Dial(ctx context.Context, address string) (*Channel, error) {
	conn, err := DialConn(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

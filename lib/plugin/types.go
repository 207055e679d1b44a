// Package plugin provides the host and worker roles of the plugin scanner.
// This file contains the Loader struct, its options and the request/outcome types.
package plugin

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/process"
	"github.com/snowmerak/pluginscan/lib/protocol"
	"github.com/snowmerak/pluginscan/lib/registry"
	"github.com/snowmerak/pluginscan/lib/transport"
)

var (
	ErrLoaderClosed = errors.New("loader is closed")
	// ErrSpawn wraps failures to launch or connect to a worker.
	ErrSpawn = errors.New("failed to start worker")
	// ErrLoadFailed marks candidates the worker could not load.
	ErrLoadFailed = errors.New("worker could not load candidate")
	// ErrAttemptsExhausted marks candidates given up on after MaxAttempts sends.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	// ErrBlacklisted marks candidates that already failed earlier in this run
	// with the same size and mtime.
	ErrBlacklisted     = errors.New("candidate blacklisted in this run")
	ErrUnknownSequence = errors.New("unknown sequence number")
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// WorkerPath is the executable launched for every worker.
	WorkerPath string
	// WorkerArgs precede the endpoint address on the worker command line.
	WorkerArgs []string
	// Env is the worker environment; nil inherits the host's.
	Env []string

	Spawner    process.Spawner
	Serializer registry.Serializer
	Registry   registry.Registry
	Version    packet.VersionInfo

	// SocketDir holds the rendezvous sockets. Empty means os.TempDir().
	SocketDir string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	LoadTimeout      time.Duration
	ExitTimeout      time.Duration

	// MaxAttempts bounds how often one candidate is sent before it is
	// blacklisted. Zero retries until the candidate resolves.
	MaxAttempts int

	Logger logrus.FieldLogger
}

// DefaultLoaderOptions returns options with a real process spawner, the chunk
// serializer and an in-memory registry. WorkerPath still has to be set.
func DefaultLoaderOptions() *LoaderOptions {
	return &LoaderOptions{
		Spawner:          process.ExecSpawner{},
		Serializer:       registry.ChunkSerializer{},
		Registry:         registry.NewMemoryStore(),
		Version:          packet.LocalVersion(),
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		LoadTimeout:      60 * time.Second,
		ExitTimeout:      5 * time.Second,
		Logger:           logrus.StandardLogger(),
	}
}

// PendingRequest is a submitted candidate that has not resolved yet.
type PendingRequest struct {
	Sequence uint32
	Path     string
	Size     int64
	Mtime    int64
	// Attempts counts LOAD packets sent for this request across workers.
	Attempts int
}

// Outcome is how a request resolved.
type Outcome struct {
	Sequence    uint32
	Path        string
	Record      *registry.Record
	Blacklisted bool
	Attempts    int
	// Err explains a blacklisting, or a registry merge failure.
	Err error
}

// Loader is the host coordinator. It owns at most one worker at a time, feeds
// it one candidate after another and respawns it when it dies.
type Loader struct {
	opts   *LoaderOptions
	log    logrus.FieldLogger
	hostID string

	mu         sync.Mutex
	closed     bool
	nextSeq    uint32
	spawnCount uint64

	pending   []*PendingRequest
	outcomes  map[uint32]Outcome
	// blacklist holds the file identity each path failed with.
	blacklist map[string]*registry.Record

	worker *worker
}

// worker is the live process and session. It is never reused once discarded.
type worker struct {
	proc     process.Handle
	endpoint *transport.Endpoint
	session  *protocol.Session

	handshaken bool
	exitEchoed bool
}

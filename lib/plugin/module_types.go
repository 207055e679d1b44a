// Package plugin provides types and interfaces for the Module functionality.
//
// This file contains the Module struct, its options and the ModuleLoader
// interface a worker uses to probe candidates.
package plugin

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/registry"
)

// ModuleLoader probes one candidate inside the worker. A nil record with a nil
// error is treated like a failure.
type ModuleLoader interface {
	LoadModule(ctx context.Context, path string) (*registry.Record, error)
}

// ModuleLoaderFunc is a convenience type for converting functions to ModuleLoader
type ModuleLoaderFunc func(ctx context.Context, path string) (*registry.Record, error)

// LoadModule implements ModuleLoader interface
func (f ModuleLoaderFunc) LoadModule(ctx context.Context, path string) (*registry.Record, error) {
	return f(ctx, path)
}

// ModuleOptions configures a Module.
type ModuleOptions struct {
	Loader     ModuleLoader
	Serializer registry.Serializer
	Version    packet.VersionInfo

	// MaxPayload is the largest DETAILS payload sent. Larger records are
	// reported as load failures.
	MaxPayload int

	// IdleTimeout bounds the wait for each request from the host.
	IdleTimeout time.Duration

	Logger logrus.FieldLogger
}

// DefaultModuleOptions returns options with the chunk serializer. Loader still has to be set.
func DefaultModuleOptions() *ModuleOptions {
	return &ModuleOptions{
		Serializer:  registry.ChunkSerializer{},
		Version:     packet.LocalVersion(),
		MaxPayload:  packet.MaxPayloadSize,
		IdleTimeout: 10 * time.Minute,
		Logger:      logrus.StandardLogger(),
	}
}

// Module is the worker role: it serves LOAD requests from one host connection.
type Module struct {
	opts *ModuleOptions
	log  logrus.FieldLogger
}

// moduleConn is the per-connection state of a Module.
type moduleConn struct {
	m   *Module
	ctx context.Context
	log logrus.FieldLogger

	// err is returned from ServeConn once the session finishes.
	err    error
	loaded int
}

package plugin

// This file serves as the main entry point for the plugin package.
// The implementation is split into separate files:
//
// - types.go: Loader struct, options, requests and outcomes
// - lifecycle.go: NewLoader, Close, worker spawn/handshake/teardown
// - communication.go: Enqueue, Submit, Wait, Flush and the queue driver
// - message_processing.go: host-side packet handling
// - utils.go: sequence allocation, endpoint naming, outcome bookkeeping
// - module_types.go: Module struct, options and the ModuleLoader interface
// - module.go: NewModule, Serve, ServeConn
// - module_processing.go: worker-side packet handling

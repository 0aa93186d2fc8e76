// Package relay provides the public API for embedding the agent relay.
// This is the stable API for external consumers.
package relay

import (
	"github.com/tjfontaine/agent-relay/internal/runtime"
)

// Relay is the main entry point for running the relay.
// See internal/runtime.Relay for full documentation.
type Relay = runtime.Relay

// Option is a functional option for configuring a Relay.
type Option = runtime.Option

// New creates a new Relay with the given options.
// Example:
//
//	r, err := relay.New(
//	    relay.WithFileConfig("config.yaml"),
//	    relay.WithVersion("1.0.0"),
//	)
var New = runtime.New

// Configuration options
var (
	WithConfig       = runtime.WithConfig
	WithFileConfig   = runtime.WithFileConfig
	WithLogger       = runtime.WithLogger
	WithStore        = runtime.WithStore
	WithAgentRuntime = runtime.WithAgentRuntime
	WithVersion      = runtime.WithVersion
)

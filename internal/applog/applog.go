// Package applog centralizes the per-subsystem loggers used across the node.
package applog

import (
	logging "github.com/ipfs/go-log/v2"
)

func init() {
	// The transport stack is noisy at info level; the node has its own
	// swarm/stream logging and doesn't need libp2p's internals repeated.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autorelay", "error")
	_ = logging.SetLogLevel("autonat", "error")
	_ = logging.SetLogLevel("nat", "error")
}

// New returns a logger scoped to a single subsystem, matching the rest of
// the node's one-component-one-logger convention (e.g. New("swarm"),
// New("streamplane"), New("tunnel")).
func New(subsystem string) *logging.ZapEventLogger {
	return logging.Logger("porta/" + subsystem)
}

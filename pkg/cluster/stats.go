package cluster

import (
	"time"

	"github.com/hamicek/noex-sub011/pkg/registry"
)

// NodeStats is the cross-subsystem observability snapshot for one
// Node: local process table, in-flight cross-node requests, and
// membership/registry counts. Non-goals exclude a dashboard or HTTP
// endpoint for this (spec.md §1), but the core still collects it.
type NodeStats struct {
	UptimeMs int64

	LocalActorCount int
	ConnectedNodes  int
	KnownNodes      int

	PendingCalls    int
	PendingSpawns   int
	PendingMonitors int
	PendingLinks    int

	OutgoingMonitors int
	IncomingMonitors int
	ActiveLinks      int

	Registry registry.Stats
}

// GetStats collects a point-in-time snapshot across every subsystem a
// Node wires together.
func (n *Node) GetStats() NodeStats {
	connected, total := n.membership.GetStatus()

	n.monitors.mu.Lock()
	outgoing := len(n.monitors.outgoing)
	incoming := len(n.monitors.incoming)
	n.monitors.mu.Unlock()

	n.links.mu.Lock()
	activeLinks := len(n.links.entries)
	n.links.mu.Unlock()

	var uptimeMs int64
	if !n.startedAt.IsZero() {
		uptimeMs = time.Since(n.startedAt).Milliseconds()
	}

	return NodeStats{
		UptimeMs:         uptimeMs,
		LocalActorCount:  n.actors.Count(),
		ConnectedNodes:   connected,
		KnownNodes:       total,
		PendingCalls:     n.calls.corr.len(),
		PendingSpawns:    n.spawns.len(),
		PendingMonitors:  n.monitors.setup.len(),
		PendingLinks:     n.links.setup.len(),
		OutgoingMonitors: outgoing,
		IncomingMonitors: incoming,
		ActiveLinks:      activeLinks,
		Registry:         n.globalReg.GetStats(),
	}
}

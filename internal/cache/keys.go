// Package cache provides Redis-based coordination for the gateway.
//
// This file defines the key namespace used by the distributed cleanup
// and sweep leases. Keys are hierarchical
// (prefix:resource:identifier) so a single gateway fleet can share one
// Redis instance without colliding on names.
package cache

import "fmt"

// Key prefixes for different coordination concerns.
const (
	PrefixLease       = "lease"
	PrefixMaintenance = "maintenance"
	PrefixReplay      = "replay"
)

// EventLogCleanupLeaseKey is the SetNX key held by whichever gateway
// instance runs a given event-log cleanup pass. Only one instance holds
// it at a time; the lease TTL bounds how long a crashed holder blocks
// the next run.
func EventLogCleanupLeaseKey() string {
	return fmt.Sprintf("%s:eventlog:cleanup", PrefixLease)
}

// ReservationSweepLeaseKey is the SetNX key held by whichever gateway
// instance runs a given reservation-expiry sweep.
func ReservationSweepLeaseKey() string {
	return fmt.Sprintf("%s:reservation:sweep", PrefixLease)
}

// MaintenanceStateKey names a key for fleet-wide maintenance/draining
// state. Nothing in the gateway reads or writes it: the maintenance
// coordinator keeps its state in-process.
func MaintenanceStateKey() string {
	return fmt.Sprintf("%s:state", PrefixMaintenance)
}

// ReplayThrottleKey scopes a per-connection active-replay counter when
// replay concurrency needs to be tracked across instances rather than
// purely in-process.
func ReplayThrottleKey(connectionID string) string {
	return fmt.Sprintf("%s:%s", PrefixReplay, connectionID)
}

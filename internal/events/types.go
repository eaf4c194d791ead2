// Package events provides event subjects and utilities for the Leon event system.
package events

// Event types for threads
const (
	ThreadCreated = "thread.created"
	ThreadDeleted = "thread.deleted"
)

// Event types for runs
const (
	RunStarted  = "run.started"  // A run became active on a thread
	RunEvent    = "run.event"    // Base subject for per-thread run event streams
	RunFinished = "run.finished" // A run reached a terminal event
)

// Event types for sandbox leases
const (
	LeaseStateChanged = "lease.state_changed" // Observed or desired state moved
	LeaseOrphanFound  = "lease.orphan_found"  // Orphan scan found an unleased instance
)

// Event types for the message queue
const (
	QueueEnqueued = "queue.enqueued" // Message parked in the per-thread queue
	QueueDrained  = "queue.drained"  // Queued message promoted to a run
)

// BuildRunEventSubject creates a run event subject for a specific thread
func BuildRunEventSubject(threadID string) string {
	return RunEvent + "." + threadID
}

// BuildRunEventWildcardSubject creates a wildcard subscription for all run event streams
func BuildRunEventWildcardSubject() string {
	return RunEvent + ".*"
}

// BuildRunFinishedSubject creates a run finished subject for a specific thread
func BuildRunFinishedSubject(threadID string) string {
	return RunFinished + "." + threadID
}

// BuildRunFinishedWildcardSubject creates a wildcard subscription for all run completions
func BuildRunFinishedWildcardSubject() string {
	return RunFinished + ".*"
}

// BuildLeaseStateSubject creates a lease state subject for a specific lease
func BuildLeaseStateSubject(leaseID string) string {
	return LeaseStateChanged + "." + leaseID
}

// BuildLeaseStateWildcardSubject creates a wildcard subscription for all lease state changes
func BuildLeaseStateWildcardSubject() string {
	return LeaseStateChanged + ".*"
}

// BuildQueueSubject creates a queue activity subject for a specific thread
func BuildQueueSubject(threadID string) string {
	return QueueEnqueued + "." + threadID
}

// BuildQueueWildcardSubject creates a wildcard subscription for all queue activity
func BuildQueueWildcardSubject() string {
	return QueueEnqueued + ".*"
}

// BuildQueueDrainedSubject creates a queue drain subject for a specific thread
func BuildQueueDrainedSubject(threadID string) string {
	return QueueDrained + "." + threadID
}

// BuildQueueDrainedWildcardSubject creates a wildcard subscription for all queue drains
func BuildQueueDrainedWildcardSubject() string {
	return QueueDrained + ".*"
}

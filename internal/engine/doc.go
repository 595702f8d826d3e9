// Package engine is the run engine: it composes the lock, store, queue,
// heartbeat monitor and waitpoint manager into the operations workers and
// the control plane call. Every read-then-write of a run's latest snapshot
// happens under the run's lock and is checked against the snapshot id the
// caller last observed.
package engine

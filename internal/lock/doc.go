// Package lock provides mutual exclusion over named resource sets, backed by a
// quorum of Redis nodes. A lock is held for a bounded duration, extended
// automatically while the critical section runs, and is reentrant for the same
// resource set within one context chain.
package lock

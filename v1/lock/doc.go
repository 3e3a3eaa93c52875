// Package lock implements the per-account exclusive lock that serializes
// every balance mutation of an account across service instances.
//
// A lock is a row in a LockStore keyed by account id. Acquire writes it with
// a single conditional put ("absent or expired"), so two instances can never
// both believe they hold the same account. There is no background reaper: a
// lock left behind by a crashed holder is taken over lazily by the next
// Acquire once its expiry has passed. Lock times have millisecond
// granularity: a lock expiring at T is still held at any instant within the
// millisecond T and free from T+1ms.
//
// The lock scope is the account. The operation label travels with the row
// for logs and error messages only; a deposit and a withdrawal on the same
// account contend with each other.
//
// Acquire never waits. Callers that prefer to wait use AcquireWait, which
// retries on release notifications published on a syncbus.Bus, or when the
// current holder's lock expires.
package lock

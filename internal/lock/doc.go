// Package lock keeps a single bridge process per machine.
//
// The lock is a plain file containing the owner's pid. Liveness is probed
// with signal 0, so a crashed owner leaves a stale lock that the next start
// removes automatically.
package lock

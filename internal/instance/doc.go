// Package instance elects one running process per application identity and
// relays startup messages from later launches to it.
//
// A Coordinator tries the identity lock first. The winner binds the configured
// transport and serves follower exchanges through the Receive hook. Losers
// send one message produced by the Send hook, confirm that the leader echoes
// the identity, and then exit (or report follower status when auto-exit is
// disabled). A follower that cannot reach a leader re-checks the lock before
// promoting itself so a crashed or releasing leader is replaced by exactly one
// process.
package instance

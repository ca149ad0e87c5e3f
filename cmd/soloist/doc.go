// Package main hosts the soloist CLI.
//
// `soloist run` makes the first launch for an identity the leader and turns
// every later launch into a follower that forwards its arguments and exits.
// `soloist send` forwards arguments without ever becoming leader, `soloist
// status` shows the lock and endpoint artifacts, and `soloist config` scaffolds
// and validates configuration files.
package main

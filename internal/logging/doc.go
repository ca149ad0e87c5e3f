// Package logging assembles structured slog loggers and formatting helpers used
// by the soloist coordinator and CLI.
//
// It owns the console and JSON handlers, picks between them for the "auto"
// format based on whether stderr is a terminal, and stamps every record with
// the coordinator session id so leader and follower lines from one process can
// be correlated. A no-op logger is provided for tests and library callers that
// do not configure logging.
package logging

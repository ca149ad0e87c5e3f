// Package config loads, normalizes, and validates soloist configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config value is always passed
// explicitly to the coordinator; nothing in the library reads process-wide
// globals, so embedding applications can build a Config in code and call
// Finalize instead of Load.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SocketSuffix is appended to the identity to name the domain socket.
const SocketSuffix = ".socket"

// UnixSocket binds a stream socket at <dir>/<identity>.socket.
type UnixSocket struct {
	DialTimeout time.Duration
}

func (UnixSocket) Name() string { return "unix" }

// SocketPath returns the domain socket path for identity inside dir.
func SocketPath(dir, identity string) string {
	return filepath.Join(dir, identity+SocketSuffix)
}

func (UnixSocket) Artifact(identity, dir string) string { return SocketPath(dir, identity) }

func (UnixSocket) Endpoint(identity, dir string) string { return SocketPath(dir, identity) }

// Listen removes any stale socket at the path before binding. Callers must
// hold the identity lock so the path cannot belong to a live leader.
func (UnixSocket) Listen(identity, dir string) (net.Listener, error) {
	path := SocketPath(dir, identity)
	if len(path) >= maxSocketPathLen {
		return nil, fmt.Errorf("%w: socket path %q exceeds %d bytes", ErrBind, path, maxSocketPathLen-1)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale socket: %w", ErrBind, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetUnlinkOnClose(false)
	}
	return &artifactListener{Listener: ln, path: path}, nil
}

func (u UnixSocket) Dial(ctx context.Context, identity, dir string) (net.Conn, error) {
	return dial(ctx, "unix", SocketPath(dir, identity), u.DialTimeout)
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PortSuffix is appended to the identity to name the dynamic port artifact.
const PortSuffix = ".port"

const maxPort = 65535

// DynamicPort binds the first free loopback port at or above StartPort and
// publishes it to <dir>/<identity>.port. StartPort 0 asks the kernel for an
// ephemeral port.
type DynamicPort struct {
	Host        string
	StartPort   int
	DialTimeout time.Duration
}

func (DynamicPort) Name() string { return "tcp-dynamic" }

// PortFilePath returns the port artifact path for identity inside dir.
func PortFilePath(dir, identity string) string {
	return filepath.Join(dir, identity+PortSuffix)
}

func (d DynamicPort) Artifact(identity, dir string) string {
	return PortFilePath(dir, identity)
}

func (d DynamicPort) Endpoint(identity, dir string) string {
	port, err := ReadPortFile(PortFilePath(dir, identity))
	if err != nil {
		return ""
	}
	return net.JoinHostPort(loopbackHost(d.Host), strconv.Itoa(port))
}

func (d DynamicPort) Listen(identity, dir string) (net.Listener, error) {
	host := loopbackHost(d.Host)
	ln, err := bindFrom(host, d.StartPort)
	if err != nil {
		return nil, err
	}

	path := PortFilePath(dir, identity)
	port := ln.Addr().(*net.TCPAddr).Port
	if err := writeFileAtomic(path, []byte(strconv.Itoa(port))); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: publish port file: %w", ErrBind, err)
	}
	return &artifactListener{Listener: ln, path: path}, nil
}

func bindFrom(host string, start int) (net.Listener, error) {
	if start < 0 || start > maxPort {
		return nil, fmt.Errorf("%w: start port %d out of range", ErrBind, start)
	}
	if start == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBind, err)
		}
		return ln, nil
	}

	var lastErr error
	for port := start; port <= maxPort; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		if hostUnusable(err) {
			return nil, fmt.Errorf("%w: %w", ErrBind, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no free port in %d..%d: %w", ErrBind, start, maxPort, lastErr)
}

// hostUnusable reports bind errors caused by the host rather than the port.
func hostUnusable(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) || IsAddrNotAvail(err)
}

func (d DynamicPort) Dial(ctx context.Context, identity, dir string) (net.Conn, error) {
	path := PortFilePath(dir, identity)
	port, err := ReadPortFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return dial(ctx, "tcp", net.JoinHostPort(loopbackHost(d.Host), strconv.Itoa(port)), d.DialTimeout)
}

// ReadPortFile parses the decimal port stored at path. A missing file wraps
// fs.ErrNotExist; anything that is not an integer in 1..65535 wraps
// ErrCorruptPortFile.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("port file %s: %w", path, fs.ErrNotExist)
		}
		return 0, fmt.Errorf("read port file %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %q", ErrCorruptPortFile, path, text)
	}
	if port < 1 || port > maxPort {
		return 0, fmt.Errorf("%w %s: port %d out of range", ErrCorruptPortFile, path, port)
	}
	return port, nil
}

// StaticPort binds exactly Port on the loopback host and publishes no artifact.
type StaticPort struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

func (StaticPort) Name() string { return "tcp-static" }

func (StaticPort) Artifact(string, string) string { return "" }

func (s StaticPort) Endpoint(string, string) string {
	return net.JoinHostPort(loopbackHost(s.Host), strconv.Itoa(s.Port))
}

func (s StaticPort) Listen(string, string) (net.Listener, error) {
	if s.Port < 1 || s.Port > maxPort {
		return nil, fmt.Errorf("%w: static port %d out of range", ErrBind, s.Port)
	}
	ln, err := net.Listen("tcp", s.Endpoint("", ""))
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("%w: static port %d already in use: %w", ErrBind, s.Port, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return ln, nil
}

func (s StaticPort) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	return dial(ctx, "tcp", s.Endpoint("", ""), s.DialTimeout)
}

// artifactListener removes its published artifact once on Close.
type artifactListener struct {
	net.Listener
	path string
	once sync.Once
}

func (l *artifactListener) Close() error {
	err := l.Listener.Close()
	l.once.Do(func() {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("remove %s: %w", l.path, rmErr)
		}
	})
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

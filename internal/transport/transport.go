// Package transport provides the local channels a follower uses to reach the
// leader for an application identity.
//
// Three variants exist: loopback TCP on a dynamically discovered port that is
// published to <identity>.port, loopback TCP on a fixed port, and a Unix
// domain stream socket bound at <identity>.socket. Every dial failure is
// reported as ErrDial so callers can treat it as "no leader answered".
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"soloist/internal/config"
)

var (
	// ErrBind reports that the leader could not bind its endpoint.
	ErrBind = errors.New("transport: bind failed")
	// ErrDial reports that no leader could be reached.
	ErrDial = errors.New("transport: dial failed")
	// ErrCorruptPortFile reports an unreadable or out-of-range port artifact.
	ErrCorruptPortFile = errors.New("transport: corrupt port file")
)

// Transport binds leader endpoints and dials them from followers.
type Transport interface {
	// Listen binds the leader endpoint and publishes any artifact. Closing the
	// returned listener removes the artifact.
	Listen(identity, dir string) (net.Listener, error)
	// Dial connects to the leader endpoint for identity.
	Dial(ctx context.Context, identity, dir string) (net.Conn, error)
	// Endpoint describes where the leader for identity listens, or "" if unknown.
	Endpoint(identity, dir string) string
	// Artifact returns the file that appears once the leader is reachable, or
	// "" when the variant publishes none.
	Artifact(identity, dir string) string
	// Name identifies the variant in logs and status output.
	Name() string
}

// FromConfig builds the transport selected by cfg.
func FromConfig(cfg config.Transport) (Transport, error) {
	switch cfg.Kind {
	case config.TransportUnix:
		return UnixSocket{DialTimeout: cfg.DialTimeout()}, nil
	case config.TransportTCP, "":
		switch cfg.PortPolicy {
		case config.PortPolicyStatic:
			return StaticPort{Host: cfg.Host, Port: cfg.Port, DialTimeout: cfg.DialTimeout()}, nil
		case config.PortPolicyDynamic, "":
			return DynamicPort{Host: cfg.Host, StartPort: cfg.Port, DialTimeout: cfg.DialTimeout()}, nil
		default:
			return nil, fmt.Errorf("transport: unsupported port policy %q", cfg.PortPolicy)
		}
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", cfg.Kind)
	}
}

func dial(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDial, network, address, err)
	}
	return conn, nil
}

func loopbackHost(host string) string {
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

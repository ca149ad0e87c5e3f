package instance

import (
	"errors"
	"io/fs"
	"os"

	"soloist/internal/config"
	"soloist/internal/lockfile"
	"soloist/internal/transport"
)

// Status is a point-in-time view of the artifacts for one identity.
type Status struct {
	Identity  string
	Dir       string
	Transport string

	LockPath   string
	LockExists bool
	LockHeld   bool

	Artifact        string
	ArtifactPresent bool
	Port            int
	PortError       string

	Endpoint string
}

// Inspect reports the lock and endpoint artifacts for identity without
// modifying them. A non-empty identity overrides cfg.Instance.ID.
func Inspect(cfg config.Config, identity string) (Status, error) {
	if identity != "" {
		cfg.Instance.ID = identity
	}
	if err := cfg.Finalize(); err != nil {
		return Status{}, err
	}
	t, err := transport.FromConfig(cfg.Transport)
	if err != nil {
		return Status{}, err
	}

	id, dir := cfg.Instance.ID, cfg.Instance.Dir
	status := Status{
		Identity:  id,
		Dir:       dir,
		Transport: t.Name(),
		LockPath:  lockfile.PathFor(dir, id),
		Artifact:  t.Artifact(id, dir),
	}

	if _, err := os.Stat(status.LockPath); err == nil {
		status.LockExists = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return status, err
	}
	held, err := lockfile.Probe(dir, id)
	if err != nil {
		return status, err
	}
	status.LockHeld = held

	if status.Artifact != "" {
		if _, err := os.Lstat(status.Artifact); err == nil {
			status.ArtifactPresent = true
		}
	}
	if _, ok := t.(transport.DynamicPort); ok && status.ArtifactPresent {
		port, err := transport.ReadPortFile(status.Artifact)
		if err != nil {
			status.PortError = err.Error()
		} else {
			status.Port = port
		}
	}

	status.Endpoint = t.Endpoint(id, dir)
	return status, nil
}

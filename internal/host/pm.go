package host

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/hivessh/internal/log"
)

var ErrNoPackageManager = fmt.Errorf("no package manager found")

// PackageManager names a package manager.
type PackageManager string

const (
	Apt PackageManager = "apt"
	Dnf PackageManager = "dnf"
	Yum PackageManager = "yum"
)

// Detector checks a host for one package manager. It returns the empty
// PackageManager when the host does not have it.
type Detector func(ctx context.Context, h *Host) (PackageManager, error)

// CommandDetector detects 'pm' when all of 'cmds' exist on the host.
func CommandDetector(pm PackageManager, cmds ...string) Detector {
	return func(ctx context.Context, h *Host) (PackageManager, error) {
		for _, cmd := range cmds {
			ok, err := h.CmdExists(ctx, cmd)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", nil
			}
		}
		return pm, nil
	}
}

// DefaultDetectors detects apt (requiring apt-get as well), then dnf, then
// yum.
func DefaultDetectors() []Detector {
	return []Detector{
		CommandDetector(Apt, "apt", "apt-get"),
		CommandDetector(Dnf, "dnf"),
		CommandDetector(Yum, "yum"),
	}
}

// PackageManager runs the host's detectors in order and caches the first
// match. With 'useCache' false, detection runs again.
func (h *Host) PackageManager(ctx context.Context, useCache bool) (PackageManager, error) {
	if err := h.Err(); err != nil {
		return "", err
	}
	return h.pm.get(useCache, func() (PackageManager, error) {
		for _, detect := range h.detectors {
			pm, err := detect(ctx, h)
			if err != nil {
				return "", err
			}
			if pm != "" {
				log.Debug(ctx, "detected package manager", "host", h.Settings.ID, "pm", pm)
				return pm, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNoPackageManager, h.Settings.ID)
	})
}

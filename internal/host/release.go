package host

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/log"
)

const Unknown = "unknown"

var ErrNoRelease = fmt.Errorf("no release file found")

// OSRelease identifies the host's distribution from its '/etc/*-release'
// files.
type OSRelease struct {
	// Name and Version are lower case, Unknown when not found.
	Name    string
	Version string
	// Meta holds every key of every release file. Files read later (by name)
	// override earlier ones.
	Meta map[string]string
}

var (
	releaseNameKeys    = []string{"NAME", "DISTRIB_ID", "DISTRO_ID", "ID"}
	releaseVersionKeys = []string{"VERSION_ID", "DISTRIB_RELEASE", "DISTRO_RELEASE", "RELEASE"}
)

// OSRelease reads and caches the host's release files. With 'useCache'
// false, they are read again.
func (h *Host) OSRelease(ctx context.Context, useCache bool) (*OSRelease, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	return h.release.get(useCache, func() (*OSRelease, error) {
		return h.fetchOSRelease(ctx)
	})
}

func (h *Host) fetchOSRelease(ctx context.Context) (*OSRelease, error) {
	files, err := h.Files(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := files.ReadDir(ctx, h.releaseDir)
	if err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e FileStat) bool {
		return e.IsDir() || !strings.HasSuffix(e.Filename, "-release")
	})
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s/*-release", ErrNoRelease, h.releaseDir)
	}
	slices.SortFunc(entries, func(a, b FileStat) int {
		return strings.Compare(a.Filename, b.Filename)
	})

	meta := map[string]string{}
	for _, e := range entries {
		data, err := files.ReadFile(ctx, e.FullPath())
		if err != nil {
			return nil, err
		}
		parseRelease(meta, string(data))
	}
	r := &OSRelease{
		Name:    strings.ToLower(first(meta, releaseNameKeys)),
		Version: strings.ToLower(first(meta, releaseVersionKeys)),
		Meta:    meta,
	}
	log.Debug(ctx, "read os release", "name", r.Name, "version", r.Version)
	return r, nil
}

// parseRelease adds the KEY=value lines of 'data' to 'meta', stripping
// quotes around the values.
func parseRelease(meta map[string]string, data string) {
	for line := range strings.Lines(data) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		meta[key] = strings.Trim(value, `"'`)
	}
}

func first(meta map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			return v
		}
	}
	return Unknown
}

// Platform is the host's kernel and machine in GOOS/GOARCH terms where
// known, e.g. "linux/amd64".
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

var archs = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "arm",
	"armv6l":  "arm",
	"i386":    "386",
	"i686":    "386",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
	"riscv64": "riscv64",
}

// Platform runs 'uname' on the host and caches the result. With 'useCache'
// false, it runs again.
func (h *Host) Platform(ctx context.Context, useCache bool) (Platform, error) {
	if err := h.Err(); err != nil {
		return Platform{}, err
	}
	return h.platform.get(useCache, func() (Platform, error) {
		kernel, err := h.Execute(ctx, "uname -s", channel.ExecOptions{})
		if err != nil {
			return Platform{}, err
		}
		machine, err := h.Execute(ctx, "uname -m", channel.ExecOptions{})
		if err != nil {
			return Platform{}, err
		}
		return normalizePlatform(kernel.Out, machine.Out), nil
	})
}

func normalizePlatform(kernel, machine string) Platform {
	p := Platform{
		OS:   strings.ToLower(strings.TrimSpace(kernel)),
		Arch: strings.TrimSpace(machine),
	}
	if arch, ok := archs[strings.ToLower(p.Arch)]; ok {
		p.Arch = arch
	}
	if p.OS == "" {
		p.OS = Unknown
	}
	if p.Arch == "" {
		p.Arch = Unknown
	}
	return p
}

// Package facts gathers system information from target hosts.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Facts describes a target host.
type Facts struct {
	OS             string // lower-cased kernel name: linux, darwin, ...
	Family         string // Debian, RedHat, Alpine, Darwin, ...
	Distribution   string // os-release ID
	Version        string
	PackageManager string // backend type name usable as a dependency preference
	Arch           string // normalized: amd64, arm64, arm
	Kernel         string
	Hostname       string
	User           string
}

// Map exposes the facts under snake_case keys for command templates.
func (f *Facts) Map() map[string]any {
	return map[string]any{
		"os":              f.OS,
		"os_family":       f.Family,
		"distribution":    f.Distribution,
		"version":         f.Version,
		"package_manager": f.PackageManager,
		"arch":            f.Arch,
		"kernel":          f.Kernel,
		"hostname":        f.Hostname,
		"user":            f.User,
	}
}

// OSName returns the lower-cased kernel name of the target.
func OSName(ctx context.Context, r connector.Runner) (string, error) {
	out, err := r.Call(ctx, "uname -s")
	if err != nil {
		return "", fmt.Errorf("failed to detect os on %s: %w", r, err)
	}
	return strings.ToLower(strings.TrimSpace(out)), nil
}

// Gather collects facts from the target. Only the OS name is mandatory;
// every other probe is best-effort.
func Gather(ctx context.Context, r connector.Runner) (*Facts, error) {
	osName, err := OSName(ctx, r)
	if err != nil {
		return nil, err
	}
	f := &Facts{OS: osName}

	switch osName {
	case "darwin":
		f.Family = "Darwin"
		f.PackageManager = "brew"
		if out, err := r.Call(ctx, "sw_vers -productVersion"); err == nil {
			f.Version = out
		}

	case "linux":
		f.Family = "Linux"
		if out, err := r.Call(ctx, "cat /etc/os-release 2>/dev/null"); err == nil {
			release := parseOSRelease(out)
			f.Distribution = release["ID"]
			f.Version = release["VERSION_ID"]
			f.Family, f.PackageManager = classify(f.Distribution, f.Family)
		}
	}

	if out, err := r.Call(ctx, "uname -m"); err == nil {
		f.Arch = normalizeArch(out)
	}
	if out, err := r.Call(ctx, "uname -r"); err == nil {
		f.Kernel = out
	}
	if out, err := r.Call(ctx, "hostname"); err == nil {
		f.Hostname = out
	}
	if out, err := r.Call(ctx, "whoami"); err == nil {
		f.User = out
	}

	return f, nil
}

// PackageManager returns the package manager backend for the target, or ""
// when it cannot be determined.
func PackageManager(ctx context.Context, r connector.Runner) string {
	f, err := Gather(ctx, r)
	if err != nil {
		return ""
	}
	return f.PackageManager
}

// classify maps an os-release ID to a family and package manager.
func classify(distribution, fallbackFamily string) (family, pkgManager string) {
	switch distribution {
	case "ubuntu", "debian", "linuxmint", "pop":
		return "Debian", "apt"
	case "fedora", "rhel", "centos", "rocky", "almalinux", "amzn":
		return "RedHat", "yum"
	case "alpine":
		return "Alpine", "apk"
	case "arch", "manjaro":
		return "Arch", ""
	}
	return fallbackFamily, ""
}

func normalizeArch(arch string) string {
	switch arch = strings.TrimSpace(arch); arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}

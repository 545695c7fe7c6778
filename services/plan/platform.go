package plan

import (
	"runtime"
	"strings"
)

var goArchMachines = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "aarch64",
	"386":     "i686",
	"arm":     "armv7",
	"riscv64": "riscv64gc",
	"ppc64le": "powerpc64le",
	"s390x":   "s390x",
}

// Triple builds a target triple from a uname sysname and machine.
func Triple(sysname, machine string) string {
	arch := strings.ToLower(machine)
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "i386", "i586":
		arch = "i686"
	case "armv7l":
		arch = "armv7"
	case "riscv64":
		arch = "riscv64gc"
	case "ppc64le":
		arch = "powerpc64le"
	}

	switch strings.ToLower(sysname) {
	case "linux":
		if arch == "armv7" {
			return arch + "-unknown-linux-gnueabihf"
		}
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "freebsd":
		return arch + "-unknown-freebsd"
	case "netbsd":
		return arch + "-unknown-netbsd"
	case "openbsd":
		return arch + "-unknown-openbsd"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + strings.ToLower(sysname)
	}
}

func fallbackPlatform() string {
	machine, ok := goArchMachines[runtime.GOARCH]
	if !ok {
		machine = runtime.GOARCH
	}
	return Triple(runtime.GOOS, machine)
}

// GoPlatform maps a target to GOOS and GOARCH. Both target triples
// (x86_64-unknown-linux-gnu) and Go style pairs (linux/amd64, linux-arm64)
// are understood. ok is false when the target names no known platform.
func GoPlatform(target string) (goos, goarch string, ok bool) {
	if parts := strings.FieldsFunc(target, func(r rune) bool { return r == '/' }); len(parts) == 2 {
		return parts[0], parts[1], true
	}

	parts := strings.Split(target, "-")
	if len(parts) == 2 && isGOOS(parts[0]) {
		return parts[0], parts[1], true
	}
	if len(parts) < 2 {
		return "", "", false
	}

	switch parts[0] {
	case "x86_64", "amd64":
		goarch = "amd64"
	case "aarch64", "arm64":
		goarch = "arm64"
	case "i686", "i586", "i386":
		goarch = "386"
	case "armv7", "armv6", "arm":
		goarch = "arm"
	case "riscv64gc", "riscv64":
		goarch = "riscv64"
	case "powerpc64le":
		goarch = "ppc64le"
	case "s390x":
		goarch = "s390x"
	default:
		return "", "", false
	}

	rest := strings.Join(parts[1:], "-")
	switch {
	case strings.Contains(rest, "linux"):
		goos = "linux"
	case strings.Contains(rest, "darwin"):
		goos = "darwin"
	case strings.Contains(rest, "windows"):
		goos = "windows"
	case strings.Contains(rest, "freebsd"):
		goos = "freebsd"
	case strings.Contains(rest, "netbsd"):
		goos = "netbsd"
	case strings.Contains(rest, "openbsd"):
		goos = "openbsd"
	default:
		return "", "", false
	}
	return goos, goarch, true
}

func isGOOS(s string) bool {
	switch s {
	case "linux", "darwin", "windows", "freebsd", "netbsd", "openbsd":
		return true
	}
	return false
}

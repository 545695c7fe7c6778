//go:build unix

package plan

import (
	"golang.org/x/sys/unix"
)

// HostPlatform returns the target triple of the machine running the plan,
// derived from uname(2).
func HostPlatform() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fallbackPlatform()
	}
	return Triple(unix.ByteSliceToString(uts.Sysname[:]), unix.ByteSliceToString(uts.Machine[:]))
}

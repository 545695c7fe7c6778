//go:build !unix

package plan

// HostPlatform returns the target triple of the machine running the plan.
func HostPlatform() string {
	return fallbackPlatform()
}

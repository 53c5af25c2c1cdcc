// Package version reports the server build version.
package version

import "runtime/debug"

// Version is set at build time via -ldflags "-X .../version.Version=v1.2.3".
var Version = "dev"

// Get returns Version, falling back to the module version the toolchain
// recorded when the binary was built with go install.
func Get() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}

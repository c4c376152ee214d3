package version

import "runtime/debug"

// Version is set via -ldflags on release builds. Otherwise it falls back to
// the module version recorded in the build info.
var Version = ""

func init() {
	if Version != "" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		Version = info.Main.Version
		return
	}
	Version = "(devel)"
}

// Package buildinfo exposes build metadata for the ao binary.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// Linker-overridable build metadata.
var (
	Version = "0.1.0"
	Commit  = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version string
	Commit  string
}

// Current returns build metadata from linker overrides, falling back to the
// module build settings embedded by the Go toolchain.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		if info.Commit == "" {
			dirty := false
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.Commit = strings.TrimSpace(s.Value)
				case "vcs.modified":
					dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
				}
			}
			if info.Commit != "" && dirty {
				info.Commit += "-dirty"
			}
		}
	}

	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}

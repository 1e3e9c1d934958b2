// Package version reports the plumb build version for --version output.
package version

import "runtime/debug"

// Version is the release version, set via ldflags. Non-release builds fall
// back to the VCS revision recorded in the build info.
var Version string

// GetVersion returns the version string shown by the CLI.
func GetVersion() string {
	if Version != "" {
		return Version
	}

	return revision()
}

func revision() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	rev := "unknown"
	modified := false

	for _, v := range buildInfo.Settings {
		switch v.Key {
		case "vcs.revision":
			rev = v.Value
			if len(rev) > 7 {
				rev = rev[:7]
			}

		case "vcs.modified":
			modified = v.Value == "true"
		}
	}

	if modified {
		rev += "-dirty"
	}

	return rev
}

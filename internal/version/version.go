// Package version carries build metadata stamped in via -ldflags.
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "vesper " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}

// AppVersion is the version reported to the cloud service. Development builds report the
// configured value instead.
func AppVersion(configured string) string {
	if Version == "" || Version == "dev" {
		return configured
	}
	return Version
}

package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// BuildInfo holds the version metadata of the rxscenario binary. Version, CommitHash and BuildDate
// are set at link time; GoVersion comes from the binary itself.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
	GoVersion  string
}

// New returns the build info, falling back to the VCS revision recorded by the Go toolchain when no
// commit hash was linked in.
func New(version, commitHash, buildDate string) BuildInfo {
	i := BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate, GoVersion: "unknown"}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && (i.CommitHash == "" || i.CommitHash == "n/a") {
			i.CommitHash = s.Value
		}
	}
	return i
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s with %s", i.Version, i.CommitHash, i.BuildDate, i.GoVersion)
}

package version

import (
	"fmt"
	"runtime"
)

// Injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// VersionInfo is the build information reported by /status and -version.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Info returns the full build information.
func Info() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("Version:    %s\nGit Commit: %s\nBuild Time: %s\nGo Version: %s\nOS/Arch:    %s/%s",
		v.Version, v.GitCommit, v.BuildTime, v.GoVersion, v.OS, v.Arch)
}

// IsDevVersion reports whether the binary was built without a release version.
func IsDevVersion() bool {
	return Version == "dev" || Version == ""
}

package version

import (
	"fmt"
	"runtime"
)

// Set at build time via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

const Implementation = "trace-processor"

func GetRelease() string {
	return Release
}

func GetGitCommit() string {
	return GitCommit
}

// Short returns the release, e.g. "v1.0.0".
func Short() string {
	return Release
}

// Full returns "trace-processor/<release>-<commit>".
func Full() string {
	return fmt.Sprintf("%s/%s-%s", Implementation, Release, GitCommit)
}

// FullWithPlatform appends the OS and architecture to Full.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (%s/%s)", Full(), runtime.GOOS, runtime.GOARCH)
}

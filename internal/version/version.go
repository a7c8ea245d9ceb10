// Package version holds build metadata injected via ldflags.
package version

import "fmt"

// Set at build time:
//
//	-ldflags "-X github.com/bissquit/async-dispatch/internal/version.Version=1.2.0"
var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata served by /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the metadata of the running binary.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}

func (i Info) String() string {
	return fmt.Sprintf("async-dispatch %s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}

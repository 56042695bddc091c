// Package version carries build metadata for the topotest binary.
package version

import (
	"fmt"
	"runtime"
)

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/newtron-network/topotest/pkg/version.Version=v1.0.0 \
//	  -X github.com/newtron-network/topotest/pkg/version.GitCommit=abc1234 \
//	  -X github.com/newtron-network/topotest/pkg/version.BuildDate=2026-01-01T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a formatted version string for display.
func Info() string {
	return Version + " (" + GitCommit + ") built " + BuildDate
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s %s %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

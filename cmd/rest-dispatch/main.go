// rest-dispatch - rate limit aware client and proxy for Discord-style REST APIs
package main

import (
	"os"

	"github.com/rescale/rest-dispatch/internal/cli"
	"github.com/rescale/rest-dispatch/internal/version"
)

// Version information, overridden through -ldflags for releases
var (
	Version   = "v0.1.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

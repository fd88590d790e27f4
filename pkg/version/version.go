// Package version reports the revision the binary was built from.
package version

import "runtime/debug"

// AppName identifies the service in user-agent strings and telemetry.
const AppName = "sotto"

// commit can be injected for builds without VCS metadata:
//
//	go build -ldflags "-X github.com/sotto-labs/sotto/pkg/version.commit=$(git rev-parse HEAD)"
var commit string

// GitCommit is the short revision hash. It falls back to "dev" when no
// ldflags override and no embedded VCS info exist, as under `go test`.
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return shorten(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the "name/revision" form, e.g. "sotto/a3f8c2d1".
func Full() string {
	return AppName + "/" + GitCommit
}

// Package buildinfo exposes version metadata stamped at link time:
//
//	-X 'github.com/m3rciful/taxibot/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/taxibot/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/taxibot/core/buildinfo.Date=2025-08-30T12:00:00Z'
//
// Without ldflags the VCS data recorded by the Go toolchain is used.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "" {
				Commit = s.Value
			}
		case "vcs.time":
			if Date == "" {
				Date = s.Value
			}
		}
	}
	if Commit == "" {
		Commit = "local"
	}
}

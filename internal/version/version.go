// Package version reports what build of the gateway is running.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName identifies the gateway in logs, metrics and the API banner.
const AppName = "genx-gateway"

// Set at build time with -ldflags "-X github.com/genxfx/genx-gateway/internal/version.Version=...".
// Whatever is left unset is filled from the Go build info when available.
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	i := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i.GoVersion = bi.GoVersion
		i.fromBuildSettings(bi.Settings)
	}
	return i
}

// fromBuildSettings fills commit and dates from the vcs.* settings go build
// stamps. ldflags values win over vcs.revision and vcs.time as build date.
func (i *Info) fromBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				dirty := s.Value == "true"
				i.VCSDirty = &dirty
			}
		}
	}
}

// String is the one line form printed by "rlctl version" and the API banner.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	s := fmt.Sprintf("%s (commit %s", i.Version, commit)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	if i.GoVersion != "" {
		s += ", " + i.GoVersion
	}
	return s + ")"
}

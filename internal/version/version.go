// Package version reports build metadata for the xacoord binary and the
// servers it embeds.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/xacoord"

// buildVersion is set via -ldflags "-X pkt.systems/xacoord/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module   string    `json:"module"`
	Version  string    `json:"version"`
	Revision string    `json:"revision,omitempty"`
	Time     time.Time `json:"time,omitzero"`
	Modified bool      `json:"modified,omitempty"`
}

// String renders "module version".
func (i Info) String() string {
	return i.Module + " " + i.Version
}

// Read collects build metadata. The version is the -ldflags override, then
// the module version, then a pseudo-version derived from VCS settings.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.Time = t.UTC()
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
		if info.Version == "" {
			if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
				info.Version = v
			}
		}
	}
	if info.Version == "" {
		info.Version = info.pseudoVersion()
	}
	return info
}

func (i Info) pseudoVersion() string {
	if i.Revision == "" || i.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

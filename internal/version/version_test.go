package version

import (
	"strings"
	"testing"
	"time"
)

func TestPseudoVersion(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	cases := []struct {
		name string
		info Info
		want string
	}{
		{name: "no vcs", info: Info{}, want: "v0.0.0-unknown"},
		{name: "no time", info: Info{Revision: "abc"}, want: "v0.0.0-unknown"},
		{name: "clean", info: Info{Revision: "0123456789abcdef", Time: ts}, want: "v0.0.0-20260304050607-0123456789ab"},
		{name: "dirty", info: Info{Revision: "abc", Time: ts, Modified: true}, want: "v0.0.0-20260304050607-abc+dirty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.pseudoVersion(); got != tc.want {
				t.Fatalf("pseudoVersion()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current()=%q want v1.2.3", got)
	}
	if s := Read().String(); !strings.HasSuffix(s, " v1.2.3") {
		t.Fatalf("unexpected String() %q", s)
	}
}

func TestModuleNeverEmpty(t *testing.T) {
	if Module() == "" {
		t.Fatalf("expected module path")
	}
}

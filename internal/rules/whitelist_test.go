package rules

import (
	"sync"
	"testing"

	"github.com/Pirikara/registrygate/internal/config"
)

func TestWhitelistMembership(t *testing.T) {
	w := NewWhitelist(config.Whitelist{
		Packages: []string{"lodash"},
		Patterns: []string{"^@corp/"},
		VersionRanges: map[string]string{
			"lodash": ">=4.0.0 <5.0.0",
		},
	}, testLogger())

	tests := []struct {
		name    string
		pkg     string
		version string
		want    bool
	}{
		{"exact member", "lodash", "", true},
		{"non-member", "hawk", "", false},
		{"pattern member", "@corp/utils", "", true},
		{"version inside range", "lodash", "4.17.21", true},
		{"version outside range", "lodash", "3.10.1", false},
		{"member without range constraint", "@corp/utils", "0.0.1", true},
		{"unparseable version fails range", "lodash", "latest", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Allows(tt.pkg, tt.version); got != tt.want {
				t.Errorf("Allows(%s, %s) = %v, want %v", tt.pkg, tt.version, got, tt.want)
			}
		})
	}
}

func TestWhitelistRuntimeMutation(t *testing.T) {
	w := NewWhitelist(config.Whitelist{}, testLogger())

	if !w.Empty() {
		t.Fatal("new whitelist should be empty")
	}

	w.AddPackage("react")
	if !w.Allows("react", "") {
		t.Error("AddPackage did not take effect")
	}

	w.AddPattern("^@team/")
	if !w.Allows("@team/tool", "") {
		t.Error("AddPattern did not take effect")
	}

	w.RemovePackage("react")
	if w.Allows("react", "") {
		t.Error("RemovePackage did not take effect")
	}
}

func TestWhitelistConcurrentAccess(t *testing.T) {
	w := NewWhitelist(config.Whitelist{Packages: []string{"base"}}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.AddPackage("pkg")
				w.Allows("base", "")
				w.RemovePackage("pkg")
			}
		}()
	}
	wg.Wait()

	if !w.Allows("base", "") {
		t.Error("base membership lost under concurrent mutation")
	}
}

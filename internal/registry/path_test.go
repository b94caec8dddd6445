package registry

import "testing"

func TestParseRequestPath(t *testing.T) {
	tests := []struct {
		path string
		want ParsedPath
	}{
		{"/lodash", ParsedPath{Kind: RequestMetadata, Name: "lodash"}},
		{"/@babel/core", ParsedPath{Kind: RequestMetadata, Scope: "babel", Name: "@babel/core"}},
		{"/@babel%2Fcore", ParsedPath{Kind: RequestMetadata, Scope: "babel", Name: "@babel/core"}},
		{"/lodash/-/lodash-4.17.21.tgz", ParsedPath{Kind: RequestTarball, Name: "lodash", Version: "4.17.21"}},
		{"/@babel/core/-/core-7.23.0.tgz", ParsedPath{Kind: RequestTarball, Scope: "babel", Name: "@babel/core", Version: "7.23.0"}},
		{"/lodash/-/lodash-4.17.21-rc.1.tgz", ParsedPath{Kind: RequestTarball, Name: "lodash", Version: "4.17.21-rc.1"}},
		{"/lodash?write=true", ParsedPath{Kind: RequestMetadata, Name: "lodash"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseRequestPath(tt.path)
			if err != nil {
				t.Fatalf("ParseRequestPath(%q) error: %v", tt.path, err)
			}
			if *got != tt.want {
				t.Errorf("ParseRequestPath(%q) = %+v, want %+v", tt.path, *got, tt.want)
			}
		})
	}
}

func TestParseRequestPathErrors(t *testing.T) {
	paths := []string{
		"/",
		"/@scope",
		"/lodash/-/lodash-4.17.21.zip",
		"/lodash/-/other-4.17.21.tgz",
		"/lodash/-/lodash-.tgz",
		"/lodash/extra/segments/here",
	}

	for _, path := range paths {
		if got, err := ParseRequestPath(path); err == nil {
			t.Errorf("ParseRequestPath(%q) = %+v, want error", path, got)
		}
	}
}

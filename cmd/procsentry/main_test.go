package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty version is dev", version: "", commit: "", want: "dev"},
		{name: "unknown commit dropped", version: "0.4.0", commit: "unknown", want: "0.4.0"},
		{name: "commit appended", version: "v0.4.0", commit: "9f1c2e", want: "v0.4.0+9f1c2e"},
		{name: "describe output kept", version: "v0.4.0-3-g9f1c2e", commit: "9f1c2e", want: "v0.4.0-3-g9f1c2e"},
		{name: "whitespace trimmed", version: " 0.4 ", commit: " b7 ", want: "0.4+b7"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() {
		version, commit = origVersion, origCommit
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version = tt.version
			commit = tt.commit
			if got := versionString(); got != tt.want {
				t.Fatalf("versionString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("PROCSENTRY_CONFIG", "")
	missing := filepath.Join(t.TempDir(), "missing.json")

	tests := []struct {
		name       string
		args       []string
		want       int
		wantStderr string
	}{
		{name: "version", args: []string{"--version"}, want: 0},
		{name: "unknown command", args: []string{"frobnicate"}, want: 1, wantStderr: "unknown command"},
		{name: "bad rules", args: []string{"rules", "validate", missing}, want: 2, wantStderr: "missing.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			args := append([]string{"--env-file", ""}, tt.args...)
			if got := run(context.Background(), args, &stderr); got != tt.want {
				t.Fatalf("run(%v) = %d, want %d (stderr %q)", tt.args, got, tt.want, stderr.String())
			}
			if tt.wantStderr != "" && !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Fatalf("stderr = %q, want it to contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package versions provides build version information.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

// Build information, set at build time via ldflags.
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"
	// Commit is the git commit hash the binary was built from.
	Commit = unknownStr
	// BuildDate is the RFC 3339 timestamp of the build.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information of the running binary.
func GetVersionInfo() VersionInfo {
	version := Version
	commit := Commit
	buildDate := BuildDate

	// Local builds carry no ldflags; derive what we can from the
	// embedded build info.
	if version == "dev" {
		if commit == unknownStr {
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, setting := range info.Settings {
					switch setting.Key {
					case "vcs.revision":
						commit = setting.Value
					case "vcs.time":
						buildDate = setting.Value
					}
				}
			}
		}
		shortCommit := commit
		if commit == unknownStr {
			shortCommit = unknownStr
		} else if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		version = "build-" + shortCommit
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

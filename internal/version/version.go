// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package version carries the build identity injected via ldflags.
package version

import "fmt"

// Info describes a build.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// Dev is reported by builds without ldflags.
var Dev = Info{Version: "dev"}

// String formats the build for the -version flag.
func (i Info) String() string {
	v := i.Version
	if v == "" {
		v = Dev.Version
	}
	if i.GitCommit == "" {
		return "qvtbox " + v
	}
	return fmt.Sprintf("qvtbox %s (commit: %s, built: %s)", v, i.GitCommit, i.BuildTime)
}

// Package version carries build metadata injected with -ldflags.
package version

import (
	"strconv"
	"strings"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// Line renders the --version output for program.
func (info VersionInfo) Line(program string) string {
	if info.Version == "" || info.Version == "dev" {
		return program + " dev"
	}
	var builder strings.Builder
	builder.WriteString(program)
	builder.WriteString(" version ")
	builder.WriteString(info.Version)
	if info.GitCommit != "" {
		builder.WriteString(" (")
		builder.WriteString(info.GitCommit)
		builder.WriteString(")")
	}
	return builder.String()
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}

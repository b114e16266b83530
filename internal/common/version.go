package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Set via -ldflags "-X github.com/ternarybob/enrich/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string
	Build     string
	GitCommit string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", b.Version, b.Build, b.GitCommit)
}

// CurrentBuild returns the linked build info. A .version file next to the
// executable overrides the version, for deployments that stamp after build.
func CurrentBuild() BuildInfo {
	if exePath, err := os.Executable(); err == nil {
		if v := readVersionFile(filepath.Dir(exePath)); v != "" {
			Version = v
		}
	}
	return BuildInfo{Version: Version, Build: Build, GitCommit: GitCommit}
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return BuildInfo{Version: Version, Build: Build, GitCommit: GitCommit}.String()
}

func readVersionFile(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ".version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

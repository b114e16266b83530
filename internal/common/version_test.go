package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadVersionFile(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", readVersionFile(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".version"), []byte(" 1.4.2\n"), 0644))
	assert.Equal(t, "1.4.2", readVersionFile(dir))
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "1.0.0", Build: "2025-03-10", GitCommit: "abc123"}
	assert.Equal(t, "1.0.0 (build: 2025-03-10, commit: abc123)", info.String())
}

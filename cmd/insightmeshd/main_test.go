package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Submit(t *testing.T) {
	dir := t.TempDir()

	req := filepath.Join(dir, "request.jsonc")
	require.NoError(t, os.WriteFile(req, []byte(`{
  // bundled reviews
  "source": "demo",
  "objectives": ["summary"],
}`), 0o600))

	cfg := filepath.Join(dir, "insightmesh.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log:\n  level: error\n"), 0o600))

	assert.NoError(t, run([]string{"--config", cfg, "--submit", req}))
}

func TestRun_Errors(t *testing.T) {
	assert.Error(t, run([]string{"extra"}))
	assert.Error(t, run([]string{"--log-level", "loud"}))
	assert.Error(t, run([]string{"--submit", filepath.Join(t.TempDir(), "missing.json")}))
	assert.NoError(t, run([]string{"--help"}))
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "chatcore dev"))
}

func TestConfigInitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatcore.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	out, err = execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
	assert.Contains(t, out, "mode:     full")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  mode: turbo\n"), 0o644))

	_, err := execute(t, "config", "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.mode")
}

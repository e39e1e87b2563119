package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "kaigi dev")
}

func TestMigrateSQLite(t *testing.T) {
	t.Setenv("KAIGI_LOG_LEVEL", "error")
	t.Setenv("KAIGI_SQLITE_PATH", filepath.Join(t.TempDir(), "kaigi.db"))
	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--store", "sqlite"})
	require.NoError(t, root.Execute())
}

func TestUnknownCommand(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"frobnicate"})
	assert.Error(t, root.Execute())
}

func TestKeygenCommand(t *testing.T) {
	dir := t.TempDir()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"keygen", "--dir", dir})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), filepath.Join(dir, "callback_private.pem"))
	assert.FileExists(t, filepath.Join(dir, "callback_public.pem"))

	root = newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"keygen", "--dir", dir})
	assert.Error(t, root.Execute(), "existing keys are not overwritten")
}

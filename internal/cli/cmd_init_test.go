package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

func TestRunInit(t *testing.T) {
	dir := t.TempDir()

	result, err := runInit(dir, "bmad", false)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, dir, result.ProjectRoot)
	assert.Equal(t, "bmad", result.Pack)

	assert.FileExists(t, filepath.Join(dir, ".auto", "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, ".auto", "packs", "bmad", "pack.yaml"))
	assert.FileExists(t, filepath.Join(dir, ".auto", "auto.db"))
}

func TestRunInit_AlreadyInitialized(t *testing.T) {
	dir := t.TempDir()

	_, err := runInit(dir, "bmad", false)
	require.NoError(t, err)

	_, err = runInit(dir, "bmad", false)
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeAlreadyInitialized))

	// Force re-runs the scaffold over the existing tree.
	_, err = runInit(dir, "bmad", true)
	assert.NoError(t, err)
}

func TestRunInit_UnknownPack(t *testing.T) {
	dir := t.TempDir()

	_, err := runInit(dir, "waterfall", false)
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodePackNotFound))

	// The pack check runs before anything is created.
	_, statErr := os.Stat(filepath.Join(dir, ".auto"))
	assert.True(t, os.IsNotExist(statErr))
}

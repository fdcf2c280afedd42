package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// conceptCmd builds a command with the run command's concept flag set.
func conceptCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().String("concept", "", "")
	cmd.Flags().String("concept-file", "", "")
	cmd.Flags().String("concept-issue", "", "")
	cmd.Flags().String("stories", "", "")
	return cmd
}

func TestSplitStories(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "1.1", want: []string{"1.1"}},
		{name: "spaces and blanks", raw: "1.1, 1.2 ,,2.1", want: []string{"1.1", "1.2", "2.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := conceptCmd(t)
			require.NoError(t, cmd.Flags().Set("stories", tt.raw))
			assert.Equal(t, tt.want, splitStories(cmd))
		})
	}
}

func TestResolveConcept_Text(t *testing.T) {
	cmd := conceptCmd(t)
	require.NoError(t, cmd.Flags().Set("concept", "Build a CSV exporter"))

	concept, err := resolveConcept(cmd)
	require.NoError(t, err)
	assert.Equal(t, "Build a CSV exporter", concept)
}

func TestResolveConcept_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concept.md")
	require.NoError(t, os.WriteFile(path, []byte("# Exporter\n\nBuild it."), 0o644))

	cmd := conceptCmd(t)
	require.NoError(t, cmd.Flags().Set("concept-file", path))

	concept, err := resolveConcept(cmd)
	require.NoError(t, err)
	assert.Equal(t, "# Exporter\n\nBuild it.", concept)
}

func TestResolveConcept_FileMissing(t *testing.T) {
	cmd := conceptCmd(t)
	require.NoError(t, cmd.Flags().Set("concept-file", filepath.Join(t.TempDir(), "nope.md")))

	_, err := resolveConcept(cmd)
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeInputInvalid))
}

func TestResolveConcept_FileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	require.NoError(t, os.WriteFile(path, []byte("  \n\t\n"), 0o644))

	cmd := conceptCmd(t)
	require.NoError(t, cmd.Flags().Set("concept-file", path))

	_, err := resolveConcept(cmd)
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeInputInvalid))
}

func TestResolveConcept_NoSource(t *testing.T) {
	concept, err := resolveConcept(conceptCmd(t))
	require.NoError(t, err)
	assert.Empty(t, concept)
}

func TestShortRunID(t *testing.T) {
	assert.Equal(t, "4f7c2d10", shortRunID("4f7c2d10-aaaa-bbbb-cccc-dddddddddddd"))
	assert.Equal(t, "abc", shortRunID("abc"))
	assert.Equal(t, "0123456789"[:8], shortRunID("0123456789"))
}

func TestPickRenderMode(t *testing.T) {
	restore := outputFormat
	t.Cleanup(func() { outputFormat = restore })

	cmd := &cobra.Command{}
	addPipelineFlags(cmd)

	outputFormat = "human"
	assert.Equal(t, renderHuman, pickRenderMode(cmd))

	require.NoError(t, cmd.Flags().Set("events", "true"))
	assert.Equal(t, renderNDJSON, pickRenderMode(cmd))

	require.NoError(t, cmd.Flags().Set("events", "false"))
	require.NoError(t, cmd.Flags().Set("tui", "true"))
	assert.Equal(t, renderTUI, pickRenderMode(cmd))

	// JSON output suppresses every renderer.
	outputFormat = "json"
	assert.Equal(t, renderNone, pickRenderMode(cmd))
}

func TestFlagBool_AbsentFlag(t *testing.T) {
	cmd := &cobra.Command{}
	assert.False(t, flagBool(cmd, "events"))
}

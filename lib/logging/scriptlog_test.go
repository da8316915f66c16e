package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumvm/rum/lib/paths"
)

func TestOpenScriptLog_CreatesRunningFile(t *testing.T) {
	p := paths.New(t.TempDir(), t.TempDir())
	require.NoError(t, p.EnsureWorkDir())

	sl, err := OpenScriptLog(p, "rum-system")
	require.NoError(t, err)

	matches, err := filepath.Glob(p.ScriptLogGlob("rum-system"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0], "_rum-system_running.log")

	require.NoError(t, sl.Finish(true))
}

func TestScriptLog_FinishRenamesToOkOrFailed(t *testing.T) {
	p := paths.New(t.TempDir(), t.TempDir())
	require.NoError(t, p.EnsureWorkDir())

	sl, err := OpenScriptLog(p, "rum-boot")
	require.NoError(t, err)
	fmt.Fprint(sl.Writer(), "output\n")
	require.NoError(t, sl.Finish(false))

	matches, err := filepath.Glob(p.ScriptLogGlob("rum-boot"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0], "_rum-boot_failed.log")

	contents, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "output\n", string(contents))
}

func TestPruneScriptLogs_KeepsNewestN(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"20250101T000000Z_sys_ok.log",
		"20250102T000000Z_sys_ok.log",
		"20250103T000000Z_sys_ok.log",
		"20250104T000000Z_sys_ok.log",
		"20250105T000000Z_sys_ok.log",
		"20250106T000000Z_sys_ok.log",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	pruneScriptLogs(filepath.Join(dir, "*_sys_*.log"))

	remaining, err := filepath.Glob(filepath.Join(dir, "*_sys_*.log"))
	require.NoError(t, err)
	assert.Len(t, remaining, ScriptLogRetention)
	for _, r := range remaining {
		assert.NotContains(t, r, "20250101")
	}
}

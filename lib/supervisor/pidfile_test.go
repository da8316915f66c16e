package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefuseIfAlreadyRunning_NoFileIsFine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	assert.NoError(t, refuseIfAlreadyRunning(path))
}

func TestRefuseIfAlreadyRunning_StalePidIsFine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	// PID 1 is guaranteed reachable on a live system but a far-out PID
	// number virtually never is; use one unlikely to be a live process.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))
	assert.NoError(t, refuseIfAlreadyRunning(path))
}

func TestRefuseIfAlreadyRunning_LivePidRefuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))
	assert.Error(t, refuseIfAlreadyRunning(path))
}

func TestWritePIDFile_WritesOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, writePIDFile(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(contents))
}

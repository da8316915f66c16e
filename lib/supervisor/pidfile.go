package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rumvm/rum/lib/rumerr"
)

// refuseIfAlreadyRunning errors out if path names a PID file whose PID is
// still a live process.
func refuseIfAlreadyRunning(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rumerr.Wrapf(rumerr.Io, err, "reading PID file %s", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil
	}

	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err == nil {
		return rumerr.New(rumerr.Daemon, fmt.Sprintf("a daemon is already running with pid %d", pid))
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

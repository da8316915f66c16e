package logging

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rumvm/rum/lib/paths"
	"github.com/rumvm/rum/lib/rumerr"
)

// ScriptLogRetention is how many of the newest log files to keep per
// script name; older runs are pruned once a new one finishes.
const ScriptLogRetention = 5

// ScriptLog is one provisioning script run's log file: opened under a
// "_running" suffix while the script executes, renamed to "_ok" or
// "_failed" once Finish is called, with all but the newest
// ScriptLogRetention runs sharing its name pruned at that point.
type ScriptLog struct {
	paths       *paths.Paths
	name        string
	ts          string
	runningPath string
	file        *os.File
}

// OpenScriptLog creates "<ts>_<name>_running.log" under p's logs
// directory and returns a ScriptLog ready to be written to.
func OpenScriptLog(p *paths.Paths, name string) (*ScriptLog, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	runningPath := p.ScriptLog(ts, name, "running")

	f, err := os.Create(runningPath)
	if err != nil {
		return nil, rumerr.Wrapf(rumerr.Io, err, "creating script log %s", runningPath)
	}

	return &ScriptLog{paths: p, name: name, ts: ts, runningPath: runningPath, file: f}, nil
}

// Writer returns the underlying file to write script output to.
func (s *ScriptLog) Writer() io.Writer {
	return s.file
}

// Finish closes the log file, renames it to reflect ok/failed, and
// prunes older runs of the same script name beyond ScriptLogRetention.
// Rename and prune are both attempted even when closing fails; a close
// error is returned first, then a rename error. Prune failures are
// ignored.
func (s *ScriptLog) Finish(ok bool) error {
	closeErr := s.file.Close()

	status := "failed"
	if ok {
		status = "ok"
	}
	finalPath := s.paths.ScriptLog(s.ts, s.name, status)

	renameErr := os.Rename(s.runningPath, finalPath)
	pruneScriptLogs(s.paths.ScriptLogGlob(s.name))

	if closeErr != nil {
		return rumerr.Wrapf(rumerr.Io, closeErr, "closing script log %s", s.runningPath)
	}
	if renameErr != nil {
		return rumerr.Wrapf(rumerr.Io, renameErr, "renaming script log %s", s.runningPath)
	}
	return nil
}

// pruneScriptLogs keeps only the ScriptLogRetention newest log files
// matching glob, removing the rest. File names sort chronologically
// since they're prefixed with a fixed-width UTC timestamp.
func pruneScriptLogs(glob string) {
	matches, err := filepath.Glob(glob)
	if err != nil || len(matches) <= ScriptLogRetention {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-ScriptLogRetention] {
		os.Remove(stale)
	}
}

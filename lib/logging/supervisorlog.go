package logging

import (
	"io"

	"github.com/rumvm/rum/lib/paths"
	"gopkg.in/natefinch/lumberjack.v2"
)

// supervisorLogMaxSizeMB, supervisorLogMaxBackups, and
// supervisorLogMaxAgeDays bound rum.log to a handful of megabytes over
// the VM's lifetime; a long-running daemon otherwise writes to this file
// for as long as the VM exists.
const (
	supervisorLogMaxSizeMB   = 10
	supervisorLogMaxBackups  = 3
	supervisorLogMaxAgeDays  = 28
	supervisorLogCompression = true
)

// NewSupervisorLog returns a rotating writer for the supervisor's own
// log file, p.SupervisorLog().
func NewSupervisorLog(p *paths.Paths) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   p.SupervisorLog(),
		MaxSize:    supervisorLogMaxSizeMB,
		MaxBackups: supervisorLogMaxBackups,
		MaxAge:     supervisorLogMaxAgeDays,
		Compress:   supervisorLogCompression,
	}
}

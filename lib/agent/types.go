package agent

// PingRequest is empty: ping carries no arguments.
type PingRequest struct{}

// PingResult answers ping with the agent's own identity.
type PingResult struct {
	Version  string
	Hostname string
}

// LogEvent is one line of the guest's own diagnostic log, broadcast to
// subscribe_logs callers, or one line of exec/provision output.
type LogEvent struct {
	TimestampUs int64
	Level       string
	Target      string
	Message     string
	Stream      string // "stdout" or "stderr"; empty for non-process log lines
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecRequest names the shell command to run.
type ExecRequest struct {
	Command string
}

// ExecResult is exec's terminal outcome: the process's exit code, or
// Signaled true if it was killed by a signal (no exit code in that case).
type ExecResult struct {
	ExitCode int32
	Signaled bool
}

// RunOn distinguishes when a provisioning script runs: once, the first
// time the guest is ever provisioned ("system"), or on every boot
// ("boot").
type RunOn int

const (
	RunOnSystem RunOn = iota
	RunOnBoot
)

// ProvisionScript is one script to run, in `order`, partitioned by RunOn.
type ProvisionScript struct {
	Name    string
	Title   string
	Content string
	Order   int
	RunOn   RunOn
}

// ProvisionRequest carries the ordered script list for one provision call.
type ProvisionRequest struct {
	Scripts []ProvisionScript
}

// ScriptOutput is one line of output a provisioning script produced,
// tagged with the script it came from.
type ScriptOutput struct {
	ScriptName string
	Stderr     bool
	Line       []byte
}

// ProvisionResult is provision's terminal outcome: success, or the name
// of the first script that failed.
type ProvisionResult struct {
	Success      bool
	FailedScript string
}

// FileInfo describes a file write_file is about to create, or read_file's
// metadata response.
type FileInfo struct {
	Path     string
	Filename string
	Mode     uint32
	Size     int64
}

// FileChunk is one streamed slice of file contents.
type FileChunk struct {
	Bytes []byte
}

// WriteFileResult reports how many bytes write_file actually wrote.
type WriteFileResult struct {
	BytesWritten int64
}

// ReadFileResult is read_file's terminal acknowledgement, sent after the
// last FileChunk: the metadata itself travels as the call's first
// streamed chunk, not this final result.
type ReadFileResult struct{}

// Package rumerr defines the closed set of error kinds the VM lifecycle
// core distinguishes, and a wrapped Error type that carries one of them.
package rumerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the core distinguishes. The set is closed:
// callers should switch on it exhaustively rather than string-matching
// messages.
type Kind string

const (
	ConfigLoad          Kind = "config_load"
	ConfigParse         Kind = "config_parse"
	Validation          Kind = "validation"
	Io                  Kind = "io"
	ImageDownload       Kind = "image_download"
	Libvirt             Kind = "libvirt"
	DomainNotFound      Kind = "domain_not_found"
	AgentTimeout        Kind = "agent_timeout"
	RequiresRestart     Kind = "requires_restart"
	SshNotReady         Kind = "ssh_not_ready"
	ExecNotReady        Kind = "exec_not_ready"
	Daemon              Kind = "daemon"
	ConfigWrite         Kind = "config_write"
	MountSourceNotFound Kind = "mount_source_not_found"
	GitRepoDetection    Kind = "git_repo_detection"
	InitCancelled       Kind = "init_cancelled"
	NotImplemented      Kind = "not_implemented"
)

// Error is a Kind-tagged error with a user-facing message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

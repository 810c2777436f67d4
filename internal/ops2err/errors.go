// Package ops2err defines the stable error taxonomy shared by every
// ops2deb component. Each kind carries a stable Code and a human
// message, and wraps an optional cause so %w unwrapping keeps working.
package ops2err

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a class of failure. Codes are stable across releases
// so callers (and the orchestrator's exit-code mapping) can switch on
// them without string matching.
type Code string

const (
	CodeParse          Code = "ParseError"
	CodeSchema         Code = "SchemaError"
	CodeTemplate       Code = "TemplateError"
	CodeNetwork        Code = "NetworkError"
	CodeHashMissing    Code = "HashMissing"
	CodeHashMismatch   Code = "HashMismatch"
	CodeArchive        Code = "ArchiveError"
	CodeUnsupportedFmt Code = "UnsupportedFormat"
	CodeScript         Code = "ScriptError"
	CodeBuild          Code = "BuildError"
	CodeIO             Code = "IOError"
	CodeCancelled      Code = "Cancelled"
)

// Error is a typed, stage-and-blueprint-aware error.
type Error struct {
	Code    Code
	Stage   string
	Name    string
	Version string
	Arch    string
	Cause   error
}

func (e *Error) Error() string {
	loc := e.Name
	if e.Version != "" || e.Arch != "" {
		loc = fmt.Sprintf("%s (%s, %s)", e.Name, e.Version, e.Arch)
	}
	msg := string(e.Code)
	if loc != "" {
		msg = fmt.Sprintf("%s: %s", loc, msg)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for the given code with an optional blueprint
// identity (name/version/arch may be left empty for global errors).
func New(code Code, stage, name, version, arch string, cause error) *Error {
	return &Error{Code: code, Stage: stage, Name: name, Version: version, Arch: arch, Cause: cause}
}

// Wrap attaches additional context to cause without losing its Code if
// cause is already an *Error.
func Wrap(cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.Wrap(cause, msg)
}

// CodeOf extracts the Code from err, walking Unwrap chains. Returns
// ("", false) if no *Error is found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Severity orders codes for the run-level "highest severity wins" exit
// code policy (spec.md §7). Higher is more severe.
func Severity(code Code) int {
	switch code {
	case CodeCancelled:
		return 5
	case CodeBuild:
		return 4
	case CodeHashMissing, CodeHashMismatch:
		return 3
	case CodeParse, CodeSchema:
		return 3
	case CodeArchive, CodeUnsupportedFmt, CodeScript, CodeNetwork, CodeIO, CodeTemplate:
		return 2
	default:
		return 1
	}
}

// ExitCode maps the highest-severity code observed across a run to the
// process exit status defined in spec.md §6.
func ExitCode(code Code) int {
	switch code {
	case CodeCancelled:
		return 77
	case CodeParse, CodeSchema:
		return 2
	case CodeHashMissing, CodeHashMismatch:
		return 3
	case CodeBuild:
		return 4
	case "":
		return 0
	default:
		return 1
	}
}

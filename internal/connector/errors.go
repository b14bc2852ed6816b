package connector

import (
	"fmt"
	"strings"
	"time"
)

// CmdError is returned when a command exits with a non-zero status.
type CmdError struct {
	ExitCode int
	Command  string
	Stderr   string
}

func (e *CmdError) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Command)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	return msg
}

// TimeoutError is returned when a command produces no output for longer
// than the inactivity timeout. The session should be treated as unusable.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no output for %s, aborted: %s", e.Timeout, e.Command)
}

// ConnectionError is a fatal failure to establish a session. It is not retried.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("can't connect to %s", e.Target)
	}
	return fmt.Sprintf("can't connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CheckResult maps a finished command to the Runner contract: trimmed stdout
// on success, *CmdError otherwise.
func CheckResult(cmd string, res *Result) (string, error) {
	if res.ExitCode != 0 {
		return "", &CmdError{ExitCode: res.ExitCode, Command: cmd, Stderr: res.Stderr}
	}
	return strings.TrimRight(res.Stdout, " \t\r\n"), nil
}

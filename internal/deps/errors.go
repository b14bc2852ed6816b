package deps

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycle is returned by Register when a dependency would require itself,
// directly or through its parents.
var ErrCycle = errors.New("dependency cycle")

// InstallError reports a dependency that could not be installed.
type InstallError struct {
	Name    string
	Message string
	Err     error
}

func (e *InstallError) Error() string {
	return formatError("install", e.Name, e.Message, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// UninstallError reports a dependency that could not be removed.
type UninstallError struct {
	Name    string
	Message string
	Err     error
}

func (e *UninstallError) Error() string {
	return formatError("uninstall", e.Name, e.Message, e.Err)
}

func (e *UninstallError) Unwrap() error { return e.Err }

// MissingDependencyError reports a name with no variant matching the
// requested types.
type MissingDependencyError struct {
	Name string
	Type []string
}

func (e *MissingDependencyError) Error() string {
	if len(e.Type) == 0 {
		return fmt.Sprintf("no dependency %q", e.Name)
	}
	return fmt.Sprintf("no dependency %q of type %s", e.Name, strings.Join(e.Type, "|"))
}

func formatError(op, name, msg string, err error) string {
	s := fmt.Sprintf("failed to %s %s", op, name)
	if msg != "" {
		s += ": " + msg
	}
	if err != nil {
		s += ": " + err.Error()
	}
	return s
}

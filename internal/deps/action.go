package deps

import (
	"context"
	"errors"

	"github.com/eugenetaranov/rig/internal/connector"
)

// ActionFunc performs an action itself through the runner. sudo is the
// effective policy for the dependency.
type ActionFunc func(ctx context.Context, r connector.Runner, sudo connector.Sudo) error

// Action is either a literal shell command or a callback. The command text
// is handed to the runner untouched.
type Action struct {
	Command string
	Func    ActionFunc
}

// Command returns an action running cmd.
func Command(cmd string) Action {
	return Action{Command: cmd}
}

// Func returns an action invoking fn.
func Func(fn ActionFunc) Action {
	return Action{Func: fn}
}

// IsZero reports whether the action does nothing.
func (a Action) IsZero() bool {
	return a.Command == "" && a.Func == nil
}

func (a Action) String() string {
	switch {
	case a.Func != nil:
		return "<func>"
	case a.Command != "":
		return a.Command
	default:
		return "<none>"
	}
}

var errNoAction = errors.New("no action defined")

func (a Action) run(ctx context.Context, r connector.Runner, sudo connector.Sudo) error {
	if a.Func != nil {
		return a.Func(ctx, r, sudo)
	}
	if a.Command == "" {
		return errNoAction
	}
	_, err := r.Call(ctx, a.Command, connector.WithSudo(sudo))
	return err
}

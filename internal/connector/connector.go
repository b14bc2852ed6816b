// Package connector defines the contracts shared by everything that runs
// commands on a target: sessions, local and container runners, pools.
package connector

import (
	"context"
	"sort"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Stream identifies which output stream a chunk of text came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputFunc receives every chunk read from a running command.
type OutputFunc func(stream Stream, text string)

// Runner executes shell commands on a target.
type Runner interface {
	// Call runs cmd and returns its stdout with trailing whitespace trimmed.
	// A non-zero exit status is reported as *CmdError.
	Call(ctx context.Context, cmd string, opts ...CallOption) (string, error)

	// String returns a human-readable description of the target.
	String() string
}

// Connectable is implemented by anything holding a connection that can be
// opened and torn down, including single sessions and pools of them.
type Connectable interface {
	// Connect establishes the connection. It is a no-op when already connected.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. It is safe to call repeatedly.
	Disconnect() error

	// Connected reports whether the connection is alive.
	Connected() bool
}

// Transferer copies files between the local machine and a target.
type Transferer interface {
	Upload(ctx context.Context, localPath, remotePath string, opts ...CallOption) error
	Download(ctx context.Context, remotePath, localPath string, opts ...CallOption) error
}

// CallOptions holds per-call settings.
type CallOptions struct {
	// Env is merged over the runner's own environment.
	Env map[string]string

	// Sudo overrides the runner's default privilege policy when set.
	Sudo Sudo

	// Output receives streamed chunks as they are read.
	Output OutputFunc
}

// CallOption configures a single call.
type CallOption func(*CallOptions)

// WithEnv adds an environment variable for the call.
func WithEnv(key, value string) CallOption {
	return func(o *CallOptions) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithSudo sets the privilege policy for the call.
func WithSudo(s Sudo) CallOption {
	return func(o *CallOptions) {
		o.Sudo = s
	}
}

// WithOutput streams output chunks to fn.
func WithOutput(fn OutputFunc) CallOption {
	return func(o *CallOptions) {
		o.Output = fn
	}
}

// ApplyCallOptions folds opts into a CallOptions value.
func ApplyCallOptions(opts []CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MergeEnv returns base overlaid with override. Keys are returned sorted so
// composed commands are stable.
func MergeEnv(base, override map[string]string) ([]string, map[string]string) {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, merged
}

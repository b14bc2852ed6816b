// Package local provides a runner executing commands on the local machine.
package local

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/process"
)

// Runner executes commands on the local machine through a shell.
type Runner struct {
	shell     string
	shellArgs []string
	env       map[string]string
	sudo      connector.Sudo
	password  *process.Password
	timeout   time.Duration
	log       *zap.Logger

	mu        sync.Mutex
	connected bool
}

// Option configures the local runner.
type Option func(*Runner)

// WithSudo sets the default privilege policy.
func WithSudo(sudo connector.Sudo) Option {
	return func(r *Runner) {
		r.sudo = sudo
	}
}

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(r *Runner) {
		r.shell = shell
		r.shellArgs = args
	}
}

// WithEnv adds an environment variable to every call.
func WithEnv(key, value string) Option {
	return func(r *Runner) {
		if r.env == nil {
			r.env = make(map[string]string)
		}
		r.env[key] = value
	}
}

// WithPassword answers sudo prompts with password.
func WithPassword(password *process.Password) Option {
	return func(r *Runner) {
		r.password = password
	}
}

// WithTimeout sets the inactivity timeout for calls.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// New creates a new local runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect verifies the platform is supported.
func (r *Runner) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
	default:
		return &connector.ConnectionError{Target: r.String(), Err: fmt.Errorf("unsupported platform: %s", runtime.GOOS)}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Disconnect marks the runner as disconnected.
func (r *Runner) Disconnect() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}

// Connected reports whether Connect succeeded.
func (r *Runner) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Runner) commandArgv(cmd string, o connector.CallOptions) []string {
	_, env := connector.MergeEnv(r.env, o.Env)
	argv := append([]string{r.shell}, r.shellArgs...)
	return append(argv, connector.Compose(cmd, env, o.Sudo.Or(r.sudo)))
}

// Call runs cmd locally and returns its trimmed stdout.
func (r *Runner) Call(ctx context.Context, cmd string, opts ...connector.CallOption) (string, error) {
	o := connector.ApplyCallOptions(opts)
	argv := r.commandArgv(cmd, o)
	r.log.Debug("call", zap.String("cmd", cmd))

	res, err := process.Run(ctx, argv, process.Config{
		Timeout:  r.timeout,
		Output:   o.Output,
		Password: r.password,
		Logger:   r.log,
	})
	if err != nil {
		return "", err
	}
	return connector.CheckResult(argv[len(argv)-1], res)
}

// Upload copies localPath to remotePath. Both live on this machine; the copy
// honours the sudo policy.
func (r *Runner) Upload(ctx context.Context, localPath, remotePath string, opts ...connector.CallOption) error {
	if err := r.copy(ctx, localPath, remotePath, opts); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, remotePath, err)
	}
	return nil
}

// Download copies remotePath to localPath.
func (r *Runner) Download(ctx context.Context, remotePath, localPath string, opts ...connector.CallOption) error {
	if err := r.copy(ctx, remotePath, localPath, opts); err != nil {
		return fmt.Errorf("failed to download %s to %s: %w", remotePath, localPath, err)
	}
	return nil
}

func (r *Runner) copy(ctx context.Context, src, dst string, opts []connector.CallOption) error {
	cmd := fmt.Sprintf("cp -pR %s %s", connector.Quote(src), connector.Quote(dst))
	_, err := r.Call(ctx, cmd, opts...)
	return err
}

// String returns a description of the target.
func (r *Runner) String() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	u, err := user.Current()
	if err != nil {
		return "local://" + hostname
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Runner implements the connector interfaces.
var (
	_ connector.Runner      = (*Runner)(nil)
	_ connector.Connectable = (*Runner)(nil)
	_ connector.Transferer  = (*Runner)(nil)
)

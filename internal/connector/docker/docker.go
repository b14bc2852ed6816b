// Package docker provides a runner executing commands inside Docker containers.
package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/process"
)

// Runner executes commands inside a running container through docker exec.
type Runner struct {
	container string
	user      string
	workdir   string
	env       map[string]string
	sudo      connector.Sudo
	timeout   time.Duration
	binary    string
	log       *zap.Logger

	mu        sync.Mutex
	connected bool
}

// Option configures the Docker runner.
type Option func(*Runner)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(r *Runner) {
		r.user = user
	}
}

// WithWorkdir sets the working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(r *Runner) {
		r.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(r *Runner) {
		r.env[key] = value
	}
}

// WithSudo sets the default privilege policy.
func WithSudo(sudo connector.Sudo) Option {
	return func(r *Runner) {
		r.sudo = sudo
	}
}

// WithTimeout sets the inactivity timeout for calls.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithBinary overrides the docker executable.
func WithBinary(path string) Option {
	return func(r *Runner) {
		r.binary = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// New creates a new Docker runner for the specified container.
func New(container string, opts ...Option) *Runner {
	r := &Runner{
		container: container,
		env:       make(map[string]string),
		binary:    "docker",
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect verifies the container exists and is running.
func (r *Runner) Connect(ctx context.Context) error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return &connector.ConnectionError{Target: r.String(), Err: fmt.Errorf("docker command not found: %w", err)}
	}

	out, err := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", r.container)
	if err != nil {
		return &connector.ConnectionError{Target: r.String(), Err: fmt.Errorf("container not found or not accessible: %w", err)}
	}
	if out != "true" {
		return &connector.ConnectionError{Target: r.String(), Err: fmt.Errorf("container is not running")}
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	r.log.Debug("connected", zap.String("container", r.container))
	return nil
}

// Disconnect marks the runner as disconnected. The container keeps running.
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

// buildExecArgs builds the docker exec arguments for cmd.
func (r *Runner) buildExecArgs(cmd string, o connector.CallOptions) []string {
	args := []string{"exec", "-i"}

	if r.user != "" {
		args = append(args, "-u", r.user)
	}
	if r.workdir != "" {
		args = append(args, "-w", r.workdir)
	}

	keys, env := connector.MergeEnv(r.env, nil)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}

	return append(args, r.container, "/bin/sh", "-c", connector.Compose(cmd, o.Env, o.Sudo.Or(r.sudo)))
}

// Call runs cmd inside the container and returns its trimmed stdout.
func (r *Runner) Call(ctx context.Context, cmd string, opts ...connector.CallOption) (string, error) {
	o := connector.ApplyCallOptions(opts)
	r.log.Debug("call", zap.String("cmd", cmd))
	return r.run(ctx, r.buildExecArgs(cmd, o), o.Output)
}

func (r *Runner) docker(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args, nil)
}

func (r *Runner) run(ctx context.Context, args []string, output connector.OutputFunc) (string, error) {
	argv := append([]string{r.binary}, args...)
	res, err := process.Run(ctx, argv, process.Config{
		Timeout: r.timeout,
		Output:  output,
		Logger:  r.log,
	})
	if err != nil {
		return "", err
	}
	return connector.CheckResult(strings.Join(argv, " "), res)
}

// Upload copies a local path into the container. Files land owned by the
// container's root user.
func (r *Runner) Upload(ctx context.Context, localPath, remotePath string, _ ...connector.CallOption) error {
	if _, err := r.docker(ctx, "cp", localPath, r.container+":"+remotePath); err != nil {
		return fmt.Errorf("failed to copy %s to container: %w", localPath, err)
	}
	return nil
}

// Download copies a path out of the container.
func (r *Runner) Download(ctx context.Context, remotePath, localPath string, _ ...connector.CallOption) error {
	if _, err := r.docker(ctx, "cp", r.container+":"+remotePath, localPath); err != nil {
		return fmt.Errorf("failed to copy %s from container: %w", remotePath, err)
	}
	return nil
}

// String returns a description of the target.
func (r *Runner) String() string {
	if r.user != "" {
		return fmt.Sprintf("docker://%s@%s", r.user, r.container)
	}
	return "docker://" + r.container
}

// Ensure Runner implements the connector interfaces.
var (
	_ connector.Runner      = (*Runner)(nil)
	_ connector.Connectable = (*Runner)(nil)
	_ connector.Transferer  = (*Runner)(nil)
)

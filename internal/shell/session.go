// Package shell provides persistent remote-shell sessions driven through an
// external login tool (ssh by default) and file sync tool (rsync).
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/process"
)

const (
	// Sentinel is the first line printed by the keep-alive login loop.
	Sentinel = "ready"

	loginLoop = "echo " + Sentinel + "; while true; do sleep 10; done"

	DefaultTimeout        = 5 * time.Minute
	DefaultConnectTimeout = 10 * time.Second

	disconnectWait = 5 * time.Second
)

// DefaultLoginFlags multiplex every call over the connection opened by Connect.
var DefaultLoginFlags = []string{
	"-o", "ControlMaster=auto",
	"-o", "ControlPath=~/.ssh/rig-%r@%h:%p",
}

// DefaultSyncFlags mirror files preserving attributes, compressing and
// resuming partial transfers.
var DefaultSyncFlags = []string{"-azP"}

// Session is a persistent login session to one host. Calls against one
// session are expected to be sequential.
type Session struct {
	host string
	user string

	loginTool  string
	loginFlags []string
	syncTool   string
	syncFlags  []string

	env      map[string]string
	sudo     connector.Sudo
	password *process.Password

	timeout        time.Duration
	connectTimeout time.Duration

	log      *zap.Logger
	registry *Registry

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	exited chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithUser sets the login user.
func WithUser(user string) Option {
	return func(s *Session) {
		s.user = user
	}
}

// WithLoginTool sets the remote login program and its flags.
func WithLoginTool(tool string, flags ...string) Option {
	return func(s *Session) {
		s.loginTool = tool
		s.loginFlags = flags
	}
}

// WithSyncTool sets the file sync program and its flags.
func WithSyncTool(tool string, flags ...string) Option {
	return func(s *Session) {
		s.syncTool = tool
		s.syncFlags = flags
	}
}

// WithEnv adds a session-wide environment variable.
func WithEnv(key, value string) Option {
	return func(s *Session) {
		if s.env == nil {
			s.env = make(map[string]string)
		}
		s.env[key] = value
	}
}

// WithSudo sets the default privilege policy for calls.
func WithSudo(sudo connector.Sudo) Option {
	return func(s *Session) {
		s.sudo = sudo
	}
}

// WithPassword sets the sudo password used to answer prompts.
func WithPassword(password string) Option {
	return func(s *Session) {
		s.password.Set(password)
	}
}

// WithPrompter makes password handling interactive.
func WithPrompter(p process.Prompter) Option {
	return func(s *Session) {
		s.password.SetPrompter(p)
	}
}

// WithPasswordStore shares p between sessions so a password prompted for on
// one host answers the others.
func WithPasswordStore(p *process.Password) Option {
	return func(s *Session) {
		if p != nil {
			s.password = p
		}
	}
}

// WithTimeout sets the inactivity timeout for calls and transfers.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithConnectTimeout bounds how long Connect waits for the sentinel.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.connectTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithRegistry registers the session in r once connected.
func WithRegistry(r *Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// New creates a session for host. Nothing is spawned until Connect or Call.
func New(host string, opts ...Option) *Session {
	s := &Session{
		host:           host,
		loginTool:      "ssh",
		loginFlags:     DefaultLoginFlags,
		syncTool:       "rsync",
		syncFlags:      DefaultSyncFlags,
		env:            make(map[string]string),
		password:       process.NewPassword("", nil),
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		log:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(zap.String("host", s.String()))
	return s
}

// Host returns the target host.
func (s *Session) Host() string { return s.host }

// User returns the login user, possibly empty.
func (s *Session) User() string { return s.user }

// Equal reports whether both sessions address the same user and host.
func (s *Session) Equal(other *Session) bool {
	return other != nil && s.host == other.host && s.user == other.user
}

// String returns user@host.
func (s *Session) String() string {
	return s.target()
}

func (s *Session) target() string {
	if s.user == "" {
		return s.host
	}
	return s.user + "@" + s.host
}

// Connect starts the keep-alive login loop. It is a no-op when the session
// is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectedLocked() {
		return nil
	}

	argv := s.loginArgv(loginLoop)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &connector.ConnectionError{Target: s.target(), Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &connector.ConnectionError{Target: s.target(), Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &connector.ConnectionError{Target: s.target(), Err: err}
	}

	s.log.Info("connecting")
	if err := cmd.Start(); err != nil {
		return &connector.ConnectionError{Target: s.target(), Err: err}
	}

	s.cmd, s.stdout, s.stderr = cmd, stdout, stderr
	s.exited = make(chan struct{})
	go func(exited chan struct{}) {
		_ = cmd.Wait()
		close(exited)
	}(s.exited)

	first := make(chan string, 1)
	go s.watchStdout(stdout, first)
	go s.watchStderr(stderr)

	timer := time.NewTimer(s.connectTimeout)
	defer timer.Stop()

	select {
	case line := <-first:
		if line != Sentinel {
			s.disconnectLocked()
			return &connector.ConnectionError{Target: s.target(), Err: fmt.Errorf("expected %q as the first line, got %q", Sentinel, line)}
		}
	case <-s.exited:
		s.disconnectLocked()
		return &connector.ConnectionError{Target: s.target(), Err: errors.New("login process exited before it was ready")}
	case <-timer.C:
		s.disconnectLocked()
		return &connector.ConnectionError{Target: s.target(), Err: fmt.Errorf("no %q within %s", Sentinel, s.connectTimeout)}
	case <-ctx.Done():
		s.disconnectLocked()
		return &connector.ConnectionError{Target: s.target(), Err: ctx.Err()}
	}

	_ = stdin.Close()
	if s.registry != nil {
		s.registry.Add(s)
	}
	s.log.Debug("connected", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// watchStdout hands the first line the login loop prints to Connect and
// logs the rest.
func (s *Session) watchStdout(r io.Reader, first chan<- string) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		first <- strings.TrimSpace(scanner.Text())
	}
	for scanner.Scan() {
		s.log.Debug("login output", zap.String("line", scanner.Text()))
	}
}

func (s *Session) watchStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("login stderr", zap.String("line", scanner.Text()))
	}
}

// Connected reports whether the login loop process is still alive.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Session) connectedLocked() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	return unix.Kill(s.cmd.Process.Pid, 0) == nil
}

// Pid returns the login loop process id, or 0 when not connected.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Disconnect stops the login loop. Every step is best-effort, so it is safe
// to call when never connected or more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
	return nil
}

func (s *Session) disconnectLocked() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		pid := s.cmd.Process.Pid
		_ = unix.Kill(-pid, unix.SIGHUP)
		_ = s.cmd.Process.Signal(unix.SIGHUP)

		select {
		case <-s.exited:
		case <-time.After(disconnectWait):
			_ = unix.Kill(-pid, unix.SIGKILL)
			_ = s.cmd.Process.Kill()
			select {
			case <-s.exited:
			case <-time.After(disconnectWait):
			}
		}
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
	s.cmd, s.stdout, s.stderr = nil, nil, nil
	s.log.Debug("disconnected")
}

// loginArgv wraps a remote command in the login tool invocation.
func (s *Session) loginArgv(remote string) []string {
	argv := make([]string, 0, len(s.loginFlags)+3)
	argv = append(argv, s.loginTool)
	argv = append(argv, s.loginFlags...)
	return append(argv, s.target(), remote)
}

// commandArgv composes the full invocation for cmd: subshell, environment,
// sudo, then the login tool.
func (s *Session) commandArgv(cmd string, o connector.CallOptions) []string {
	_, env := connector.MergeEnv(s.env, o.Env)
	return s.loginArgv(connector.Compose(cmd, env, o.Sudo.Or(s.sudo)))
}

// Call runs cmd on the host and returns its trimmed stdout.
func (s *Session) Call(ctx context.Context, cmd string, opts ...connector.CallOption) (string, error) {
	o := connector.ApplyCallOptions(opts)
	argv := s.commandArgv(cmd, o)
	s.log.Debug("call", zap.String("cmd", cmd))
	return s.run(ctx, argv, o.Output)
}

func (s *Session) run(ctx context.Context, argv []string, output connector.OutputFunc) (string, error) {
	res, err := process.Run(ctx, argv, process.Config{
		Timeout:  s.timeout,
		Output:   output,
		Password: s.password,
		Logger:   s.log,
	})
	if err != nil {
		return "", err
	}
	return connector.CheckResult(strings.Join(argv, " "), res)
}

// Ensure Session implements the connector interfaces.
var (
	_ connector.Runner      = (*Session)(nil)
	_ connector.Connectable = (*Session)(nil)
	_ connector.Transferer  = (*Session)(nil)
)

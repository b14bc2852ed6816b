package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/process"
)

// writeScript writes an executable shell script into a temp dir.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// fakeLogin behaves like ssh without flags: it drops the target argument and
// runs the remote command with the local shell.
func fakeLogin(t *testing.T) string {
	return writeScript(t, "fake-ssh", `shift
exec /bin/sh -c "$*"`)
}

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithUser("deploy"),
		WithLoginTool(fakeLogin(t)),
		WithTimeout(5 * time.Second),
		WithConnectTimeout(5 * time.Second),
	}
	s := New("web1", append(base, opts...)...)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestSessionIdentity(t *testing.T) {
	a := New("web1", WithUser("deploy"))
	b := New("web1", WithUser("deploy"), WithTimeout(time.Second))
	c := New("web1", WithUser("root"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.Equal(t, "deploy@web1", a.String())
	assert.Equal(t, "web2", New("web2").String())
}

func TestDisconnectBeforeConnect(t *testing.T) {
	s := New("web1")
	assert.NoError(t, s.Disconnect())
	assert.NoError(t, s.Disconnect())
	assert.False(t, s.Connected())
	assert.Zero(t, s.Pid())
}

func TestConnectIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.Connected())
	pid := s.Pid()
	require.NotZero(t, pid)

	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, pid, s.Pid(), "second Connect must not spawn a new process")

	require.NoError(t, s.Disconnect())
	assert.False(t, s.Connected())
	assert.NoError(t, s.Disconnect())
}

func TestConnectRegistersSession(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, WithRegistry(reg))

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, reg.Len())

	reg.DisconnectAll()
	assert.False(t, s.Connected())
	assert.Zero(t, reg.Len())
}

func TestDisconnectAllDrainsEverySession(t *testing.T) {
	reg := NewRegistry()
	web1 := New("web1", WithLoginTool(fakeLogin(t)), WithRegistry(reg))
	web2 := New("web2", WithLoginTool(fakeLogin(t)), WithRegistry(reg))
	idle := New("web3", WithLoginTool(fakeLogin(t)), WithRegistry(reg))

	ctx := context.Background()
	require.NoError(t, web1.Connect(ctx))
	require.NoError(t, web2.Connect(ctx))
	assert.Equal(t, 2, reg.Len(), "only connected sessions are recorded")

	reg.DisconnectAll()
	assert.False(t, web1.Connected())
	assert.False(t, web2.Connected())
	assert.False(t, idle.Connected())
	assert.Zero(t, reg.Len())

	reg.DisconnectAll()
	assert.Zero(t, reg.Len())
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"login exits early", "exit 255"},
		{"no sentinel", "sleep 5"},
		{"wrong sentinel", "echo nope; sleep 5"},
		{"output before sentinel", "echo banner; echo ready; sleep 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("web1",
				WithUser("deploy"),
				WithLoginTool(writeScript(t, "ssh", tt.script)),
				WithConnectTimeout(300*time.Millisecond),
			)

			start := time.Now()
			err := s.Connect(context.Background())

			var connErr *connector.ConnectionError
			require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
			assert.Equal(t, "deploy@web1", connErr.Target)
			assert.False(t, s.Connected())
			assert.Less(t, time.Since(start), 4*time.Second)
		})
	}
}

func TestConnectRequiresSentinelFirst(t *testing.T) {
	s := New("web1",
		WithLoginTool(writeScript(t, "ssh", "echo 'Welcome to web1'; echo ready; sleep 5")),
		WithConnectTimeout(2*time.Second),
	)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected "ready" as the first line, got "Welcome to web1"`)
	assert.False(t, s.Connected())
	assert.Zero(t, s.Pid())
}

func TestCallExitStatus(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	out, err := s.Call(ctx, "true")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = s.Call(ctx, "exit 7")
	var cmdErr *connector.CmdError
	require.True(t, errors.As(err, &cmdErr), "expected CmdError, got %v", err)
	assert.Equal(t, 7, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Command, "sh -c 'exit 7'")
}

func TestCallTrimsTrailingWhitespace(t *testing.T) {
	s := newTestSession(t)
	out, err := s.Call(context.Background(), "printf '  hello  \n\n'")
	require.NoError(t, err)
	assert.Equal(t, "  hello", out)
}

func TestCallPreservesSingleQuotes(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	out, err := s.Call(ctx, `echo 'it'\''s ok'`)
	require.NoError(t, err)
	assert.Equal(t, "it's ok", out)

	out, err = s.Call(ctx, `printf '%s' "don't"`)
	require.NoError(t, err)
	assert.Equal(t, "don't", out)
}

func TestCallEnvironment(t *testing.T) {
	s := newTestSession(t, WithEnv("APP_ENV", "staging"), WithEnv("RELEASE", "1"))
	ctx := context.Background()

	out, err := s.Call(ctx, `echo "$APP_ENV-$RELEASE"`)
	require.NoError(t, err)
	assert.Equal(t, "staging-1", out)

	out, err = s.Call(ctx, `echo "$APP_ENV-$RELEASE"`, connector.WithEnv("RELEASE", "2"))
	require.NoError(t, err)
	assert.Equal(t, "staging-2", out)
}

func TestCallStreamsOutput(t *testing.T) {
	s := newTestSession(t)

	var stdout, stderr strings.Builder
	_, err := s.Call(context.Background(), "echo a; echo b >&2", connector.WithOutput(func(stream connector.Stream, text string) {
		if stream == connector.Stdout {
			stdout.WriteString(text)
		} else {
			stderr.WriteString(text)
		}
	}))
	require.NoError(t, err)
	assert.Equal(t, "a\n", stdout.String())
	assert.Equal(t, "b\n", stderr.String())
}

func TestCallInactivityTimeout(t *testing.T) {
	s := newTestSession(t, WithTimeout(300*time.Millisecond))
	ctx := context.Background()

	_, err := s.Call(ctx, "sleep 5")
	var timeoutErr *connector.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr), "expected TimeoutError, got %v", err)

	out, err := s.Call(ctx, "for i in 1 2 3 4 5 6; do echo $i; sleep 0.1; done")
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4\n5\n6", out)
}

func TestCommandArgv(t *testing.T) {
	s := New("web1",
		WithUser("deploy"),
		WithLoginTool("ssh", "-p", "2222"),
		WithEnv("RACK_ENV", "production"),
	)

	tests := []struct {
		name string
		cmd  string
		opts []connector.CallOption
		want string
	}{
		{
			name: "env only",
			cmd:  "ls",
			want: `env RACK_ENV='production' sh -c 'ls'`,
		},
		{
			name: "call sudo as user",
			cmd:  "whoami",
			opts: []connector.CallOption{connector.WithSudo(connector.SudoAs("app"))},
			want: `sudo -H -u app env RACK_ENV='production' sh -c 'whoami'`,
		},
		{
			name: "quotes escaped",
			cmd:  "echo 'x'",
			opts: []connector.CallOption{connector.WithEnv("A", "b")},
			want: `env A='b' RACK_ENV='production' sh -c 'echo '\''x'\'''`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv := s.commandArgv(tt.cmd, connector.ApplyCallOptions(tt.opts))
			require.Len(t, argv, 5)
			assert.Equal(t, []string{"ssh", "-p", "2222", "deploy@web1"}, argv[:4])
			assert.Equal(t, tt.want, argv[4])
		})
	}
}

func TestCommandArgvSudoPrecedence(t *testing.T) {
	s := New("web1", WithSudo(connector.SudoRoot()))

	argv := s.commandArgv("id", connector.CallOptions{})
	assert.Equal(t, "sudo -H sh -c 'id'", argv[len(argv)-1])

	argv = s.commandArgv("id", connector.ApplyCallOptions([]connector.CallOption{connector.WithSudo(connector.SudoNever())}))
	assert.Equal(t, "sh -c 'id'", argv[len(argv)-1])
}

func TestExpandPath(t *testing.T) {
	s := newTestSession(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "releases"), 0755))

	got, err := s.ExpandPath(context.Background(), dir+"/releases/../current")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "current"), got)

	_, err = s.ExpandPath(context.Background(), dir+"/missing/file")
	assert.Error(t, err)
}

func TestFileExistsAndSymlink(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()
	dir := t.TempDir()

	release := filepath.Join(dir, "releases", "20240101")
	require.NoError(t, os.MkdirAll(release, 0755))
	link := filepath.Join(dir, "current")

	assert.True(t, s.FileExists(ctx, release))
	assert.False(t, s.FileExists(ctx, link))

	require.NoError(t, s.Symlink(ctx, release, link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, release, target)
	assert.True(t, s.FileExists(ctx, link))
}

func TestOSName(t *testing.T) {
	s := newTestSession(t)
	name, err := s.OSName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.GOOS, name)
}

func TestPasswordStoreIsShared(t *testing.T) {
	store := process.NewPassword("", nil)
	a := New("web1", WithPasswordStore(store))
	b := New("web2", WithPasswordStore(store))

	store.Set("s3cret")
	for _, s := range []*Session{a, b} {
		got, ok := s.password.Get("[sudo] password for deploy: ")
		assert.True(t, ok)
		assert.Equal(t, "s3cret", got)
	}

	c := New("web3", WithPassword("own"), WithPasswordStore(nil))
	got, _ := c.password.Get("Password:")
	assert.Equal(t, "own", got)
}

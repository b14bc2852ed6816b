package docker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/rig/internal/connector"
)

// fakeDocker answers inspect for the containers "app" (running) and
// "stopped", runs exec payloads with the local shell and copies files for cp.
func fakeDocker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	script := `#!/bin/sh
case "$1" in
inspect)
	case "$4" in
	app) echo true ;;
	stopped) echo false ;;
	*) echo "Error: No such object: $4" >&2; exit 1 ;;
	esac ;;
exec)
	while [ "$1" != /bin/sh ]; do shift; done
	exec "$@" ;;
cp)
	exec cp "${2#*:}" "${3#*:}" ;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestBuildExecArgs(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		call connector.CallOptions
		want []string
	}{
		{
			name: "basic",
			want: []string{"exec", "-i", "app", "/bin/sh", "-c", "sh -c 'ls'"},
		},
		{
			name: "user, workdir and env",
			opts: []Option{WithUser("deploy"), WithWorkdir("/srv"), WithEnv("B", "2"), WithEnv("A", "1")},
			want: []string{"exec", "-i", "-u", "deploy", "-w", "/srv", "-e", "A=1", "-e", "B=2", "app", "/bin/sh", "-c", "sh -c 'ls'"},
		},
		{
			name: "call env and sudo",
			opts: []Option{WithSudo(connector.SudoRoot())},
			call: connector.CallOptions{Env: map[string]string{"X": "y"}},
			want: []string{"exec", "-i", "app", "/bin/sh", "-c", "sudo -H env X='y' sh -c 'ls'"},
		},
		{
			name: "call overrides sudo",
			opts: []Option{WithSudo(connector.SudoRoot())},
			call: connector.CallOptions{Sudo: connector.SudoNever()},
			want: []string{"exec", "-i", "app", "/bin/sh", "-c", "sh -c 'ls'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("app", tt.opts...)
			assert.Equal(t, tt.want, r.buildExecArgs("ls", tt.call))
		})
	}
}

func TestConnect(t *testing.T) {
	bin := fakeDocker(t)
	ctx := context.Background()

	r := New("app", WithBinary(bin))
	require.NoError(t, r.Connect(ctx))
	assert.True(t, r.Connected())
	require.NoError(t, r.Disconnect())
	assert.False(t, r.Connected())

	for _, name := range []string{"stopped", "missing"} {
		err := New(name, WithBinary(bin)).Connect(ctx)
		var ce *connector.ConnectionError
		assert.ErrorAs(t, err, &ce, name)
	}

	err := New("app", WithBinary(filepath.Join(t.TempDir(), "nope"))).Connect(ctx)
	assert.ErrorContains(t, err, "docker command not found")
}

func TestCall(t *testing.T) {
	r := New("app", WithBinary(fakeDocker(t)))
	ctx := context.Background()

	out, err := r.Call(ctx, "echo $GREETING", connector.WithEnv("GREETING", "hi there"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	_, err = r.Call(ctx, "exit 7")
	var cmdErr *connector.CmdError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 7, cmdErr.ExitCode)
}

func TestTransfer(t *testing.T) {
	r := New("app", WithBinary(fakeDocker(t)))
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))

	inside := filepath.Join(dir, "inside.txt")
	require.NoError(t, r.Upload(ctx, src, inside))
	back := filepath.Join(dir, "back.txt")
	require.NoError(t, r.Download(ctx, inside, back))

	content, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))
}

func TestString(t *testing.T) {
	assert.Equal(t, "docker://app", New("app").String())
	assert.Equal(t, "docker://deploy@app", New("app", WithUser("deploy")).String())
}

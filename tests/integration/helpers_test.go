//go:build integration

package integration

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// execInContainer runs cmd in the container and returns its exit code and
// demultiplexed stdout.
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// mustExec runs cmd, requires it to succeed and returns trimmed stdout.
func mustExec(t *testing.T, ctx context.Context, container testcontainers.Container, cmd ...string) string {
	t.Helper()
	exitCode, out, err := execInContainer(ctx, container, cmd)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "%v failed", cmd)
	return strings.TrimSpace(out)
}

// assertPath runs test(1) with flag against path.
func assertPath(t *testing.T, ctx context.Context, container testcontainers.Container, flag, path, what string) {
	t.Helper()
	exitCode, _, err := execInContainer(ctx, container, []string{"test", flag, path})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode, "%s should be %s", path, what)
}

func assertFileExists(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	assertPath(t, ctx, container, "-e", path, "present")
}

func assertIsDirectory(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	assertPath(t, ctx, container, "-d", path, "a directory")
}

func assertIsFile(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	assertPath(t, ctx, container, "-f", path, "a regular file")
}

func assertSymlink(t *testing.T, ctx context.Context, container testcontainers.Container, path, target string) {
	t.Helper()
	assertPath(t, ctx, container, "-L", path, "a symlink")
	assert.Equal(t, target, mustExec(t, ctx, container, "readlink", path))
}

func assertFileMode(t *testing.T, ctx context.Context, container testcontainers.Container, path, mode string) {
	t.Helper()
	assert.Equal(t, mode, mustExec(t, ctx, container, "stat", "-c", "%a", path), "mode of %s", path)
}

func assertFileContains(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expected []string) {
	t.Helper()
	assertCommandOutput(t, ctx, container, []string{"cat", path}, expected)
}

func assertCommandOutput(t *testing.T, ctx context.Context, container testcontainers.Container, cmd []string, expected []string) {
	t.Helper()
	out := mustExec(t, ctx, container, cmd...)
	for _, s := range expected {
		assert.Contains(t, out, s, "output of %v", cmd)
	}
}

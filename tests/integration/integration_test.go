//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const containerName = "rig-integration-test"

var (
	rigBinaryPath string
	projectRoot   string
)

func TestMain(m *testing.M) {
	var err error
	projectRoot, err = findProjectRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to find project root: %v\n", err)
		os.Exit(1)
	}

	rigBinaryPath = filepath.Join(projectRoot, "bin", "rig")
	fmt.Println("Building rig binary...")
	cmd := exec.Command("go", "build", "-o", rigBinaryPath, "./cmd/rig")
	cmd.Dir = projectRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build rig: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func setupTestContainer(t *testing.T, ctx context.Context) testcontainers.Container {
	t.Helper()

	cleanupExistingContainer()

	req := testcontainers.ContainerRequest{
		Image:      "alpine:3.20",
		Name:       containerName,
		Cmd:        []string{"sleep", "600"},
		WaitingFor: wait.ForExec([]string{"echo", "ready"}).WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start test container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return container
}

func cleanupExistingContainer() {
	cmd := exec.Command("docker", "rm", "-f", containerName)
	_ = cmd.Run() // container may not exist
}

// rig runs the binary against the test container.
func rig(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append([]string{"--no-color", "--docker", containerName}, args...)
	cmd := exec.Command(rigBinaryPath, args...)
	cmd.Dir = projectRoot
	out, err := cmd.CombinedOutput()
	t.Logf("rig %v:\n%s", args, out)
	return string(out), err
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container := setupTestContainer(t, ctx)
	manifest := filepath.Join(projectRoot, "tests", "integration", "testdata", "manifest.yaml")

	t.Run("Install", func(t *testing.T) {
		testInstall(t, ctx, container, manifest)
	})

	t.Run("Run", func(t *testing.T) {
		out, err := rig(t, "run", manifest, "--", "cat /srv/shop/RELEASE")
		require.NoError(t, err)
		assert.Contains(t, out, "release 43")
	})

	t.Run("Upload", func(t *testing.T) {
		testUpload(t, ctx, container, manifest)
	})

	t.Run("Uninstall", func(t *testing.T) {
		testUninstall(t, ctx, container, manifest)
	})
}

func testInstall(t *testing.T, ctx context.Context, container testcontainers.Container, manifest string) {
	out, err := rig(t, "install", manifest, "current")
	require.NoError(t, err)
	assert.Contains(t, out, "changed")

	assertIsDirectory(t, ctx, container, "/srv/shop")
	assertIsFile(t, ctx, container, "/srv/shop/RELEASE")
	assertFileContains(t, ctx, container, "/srv/shop/RELEASE", []string{"release 43 on alpine"})
	assertSymlink(t, ctx, container, "/srv/current", "/srv/shop/RELEASE")

	t.Run("Idempotent", func(t *testing.T) {
		out, err := rig(t, "install", manifest)
		require.NoError(t, err)
		assert.Contains(t, out, "changed=0")
	})

	t.Run("Check", func(t *testing.T) {
		_, err := rig(t, "check", manifest)
		require.NoError(t, err)
	})
}

func testUpload(t *testing.T, ctx context.Context, container testcontainers.Container, manifest string) {
	src := filepath.Join(projectRoot, "tests", "integration", "testdata", "site", "app.conf")
	require.NoError(t, os.Chmod(src, 0o640))

	_, err := rig(t, "upload", manifest, src, "/srv/shop/app.conf")
	require.NoError(t, err)

	assertFileExists(t, ctx, container, "/srv/shop/app.conf")
	assertFileMode(t, ctx, container, "/srv/shop/app.conf", "640")
	assertCommandOutput(t, ctx, container, []string{"cat", "/srv/shop/app.conf"}, []string{"listen 8080"})
}

func testUninstall(t *testing.T, ctx context.Context, container testcontainers.Container, manifest string) {
	out, err := rig(t, "uninstall", manifest, "base")
	require.Error(t, err, "base has dependents")
	assert.Contains(t, out, "required by release")
	assertIsDirectory(t, ctx, container, "/srv/shop")

	_, err = rig(t, "uninstall", manifest, "base", "--recursive")
	require.NoError(t, err)

	for _, path := range []string{"/srv/current", "/srv/shop"} {
		code, _, err := execInContainer(ctx, container, []string{"test", "-e", path})
		require.NoError(t, err)
		assert.NotEqual(t, 0, code, "%s should be gone", path)
	}
}

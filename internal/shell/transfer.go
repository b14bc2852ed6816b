package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Upload syncs a local path to the host. A sudo policy in opts (or the
// session default) runs the remote side of the sync with elevated privilege.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string, opts ...connector.CallOption) error {
	o := connector.ApplyCallOptions(opts)
	s.log.Info("uploading", zap.String("src", localPath), zap.String("dst", remotePath))

	argv := s.syncArgv(localPath, s.remote(remotePath), o.Sudo.Or(s.sudo))
	if _, err := s.run(ctx, argv, o.Output); err != nil {
		return fmt.Errorf("failed to upload %s to %s:%s: %w", localPath, s, remotePath, err)
	}
	return nil
}

// Download syncs a path on the host to the local machine.
func (s *Session) Download(ctx context.Context, remotePath, localPath string, opts ...connector.CallOption) error {
	o := connector.ApplyCallOptions(opts)
	s.log.Info("downloading", zap.String("src", remotePath), zap.String("dst", localPath))

	argv := s.syncArgv(s.remote(remotePath), localPath, o.Sudo.Or(s.sudo))
	if _, err := s.run(ctx, argv, o.Output); err != nil {
		return fmt.Errorf("failed to download %s:%s to %s: %w", s, remotePath, localPath, err)
	}
	return nil
}

// MakeFile writes content to path on the host. The sync tool keeps the
// staged file's 0644 mode, so a zero mode leaves the file at 0644; a
// non-zero mode is applied after the upload.
func (s *Session) MakeFile(ctx context.Context, path string, content []byte, mode os.FileMode, opts ...connector.CallOption) error {
	tmp := filepath.Join(os.TempDir(), "rig-"+uuid.NewString())
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	defer os.Remove(tmp)
	if err := os.Chmod(tmp, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.Upload(ctx, tmp, path, opts...); err != nil {
		return err
	}

	if mode != 0 {
		chmod := fmt.Sprintf("chmod %o %s", mode.Perm(), connector.Quote(path))
		if _, err := s.Call(ctx, chmod, opts...); err != nil {
			return fmt.Errorf("failed to set mode on %s: %w", path, err)
		}
	}
	return nil
}

// syncArgv builds the sync tool invocation. The remote shell option reuses
// the login tool and flags so transfers ride the same multiplexed connection.
func (s *Session) syncArgv(src, dst string, sudo connector.Sudo) []string {
	argv := []string{s.syncTool}
	argv = append(argv, s.syncFlags...)

	login := append([]string{s.loginTool}, s.loginFlags...)
	argv = append(argv, "-e", strings.Join(login, " "))

	if prefix := sudo.Prefix(); prefix != "" {
		argv = append(argv, "--rsync-path="+prefix+" rsync")
	}

	return append(argv, src, dst)
}

func (s *Session) remote(path string) string {
	return s.target() + ":" + path
}

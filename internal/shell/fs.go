package shell

import (
	"context"
	"fmt"
	"path"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/pkg/facts"
)

// ExpandPath resolves a relative or home-relative path on the host. The
// directory part is left unquoted so the remote shell expands ~.
func (s *Session) ExpandPath(ctx context.Context, p string) (string, error) {
	dir, base := path.Split(p)
	if dir == "" {
		dir = "."
	}
	abs, err := s.Call(ctx, fmt.Sprintf("cd %s && pwd", dir))
	if err != nil {
		return "", fmt.Errorf("failed to expand %s on %s: %w", p, s, err)
	}
	if base == "" {
		return abs, nil
	}
	return path.Join(abs, base), nil
}

// FileExists reports whether path exists on the host. Any failure counts
// as false.
func (s *Session) FileExists(ctx context.Context, p string, opts ...connector.CallOption) bool {
	_, err := s.Call(ctx, "test -e "+connector.Quote(p), opts...)
	return err == nil
}

// Symlink points link at target, replacing an existing link.
func (s *Session) Symlink(ctx context.Context, target, link string, opts ...connector.CallOption) error {
	cmd := fmt.Sprintf("ln -sfn %s %s", connector.Quote(target), connector.Quote(link))
	if _, err := s.Call(ctx, cmd, opts...); err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", link, target, err)
	}
	return nil
}

// OSName returns the lower-cased kernel name of the host.
func (s *Session) OSName(ctx context.Context) (string, error) {
	return facts.OSName(ctx, s)
}

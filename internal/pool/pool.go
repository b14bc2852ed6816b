// Package pool broadcasts operations across a set of remote sessions.
package pool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/shell"
)

// Result is the outcome of one host's share of a broadcast.
type Result struct {
	Host   string
	Output string
	Err    error
}

// Results maps host to its result.
type Results map[string]Result

// Hosts returns the hosts in sorted order.
func (r Results) Hosts() []string {
	hosts := make([]string, 0, len(r))
	for h := range r {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Failed returns the sorted hosts whose operation failed.
func (r Results) Failed() []string {
	var failed []string
	for _, h := range r.Hosts() {
		if r[h].Err != nil {
			failed = append(failed, h)
		}
	}
	return failed
}

// Err combines every per-host failure, each prefixed with its host. It
// returns nil when all hosts succeeded.
func (r Results) Err() error {
	var err error
	for _, h := range r.Failed() {
		err = multierr.Append(err, fmt.Errorf("%s: %w", h, r[h].Err))
	}
	return err
}

// Pool is an ordered set of sessions, unique by host.
type Pool struct {
	mu       sync.Mutex
	sessions []*shell.Session

	forks       int
	sessionOpts []shell.Option
	log         *zap.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithForks sets how many hosts are worked on concurrently. Values below 1
// mean sequential.
func WithForks(n int) Option {
	return func(p *Pool) {
		p.forks = n
	}
}

// WithSessionOptions sets the options used for sessions created by AddHost.
func WithSessionOptions(opts ...shell.Option) Option {
	return func(p *Pool) {
		p.sessionOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		forks: 1,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.forks < 1 {
		p.forks = 1
	}
	return p
}

// Add appends s unless a session for the same host is already present.
// It reports whether s was added.
func (p *Pool) Add(s *shell.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.sessions {
		if existing.Host() == s.Host() {
			return false
		}
	}
	p.sessions = append(p.sessions, s)
	return true
}

// AddHost adds a session for host built with the pool's session options.
func (p *Pool) AddHost(host string) bool {
	if p.Get(host) != nil {
		return false
	}
	return p.Add(shell.New(host, p.sessionOpts...))
}

// Get returns the session for host, or nil.
func (p *Pool) Get(host string) *shell.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.Host() == host {
			return s
		}
	}
	return nil
}

// Sessions returns the sessions in insertion order.
func (p *Pool) Sessions() []*shell.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*shell.Session(nil), p.sessions...)
}

// Len returns the number of sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Each runs fn against every session and collects the per-host results.
// A failing host never stops the others.
func (p *Pool) Each(ctx context.Context, fn func(ctx context.Context, s *shell.Session) (string, error)) Results {
	sessions := p.Sessions()
	results := make(Results, len(sessions))
	if len(sessions) == 0 {
		p.log.Warn("no hosts in pool, nothing to do")
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.forks)

	for _, s := range sessions {
		s := s
		g.Go(func() error {
			out, err := fn(gctx, s)
			if err != nil {
				p.log.Error("host failed", zap.String("host", s.Host()), zap.Error(err))
			}
			mu.Lock()
			results[s.Host()] = Result{Host: s.Host(), Output: out, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Task is work done against one host through the Runner contract.
type Task func(ctx context.Context, host string, r connector.Runner) (string, error)

// Dispatch is Each for tasks that only need to run commands.
func (p *Pool) Dispatch(ctx context.Context, task Task) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return task(ctx, s.Host(), s)
	})
}

// Connect opens every session.
func (p *Pool) Connect(ctx context.Context) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return "", s.Connect(ctx)
	})
}

// Disconnect closes every session.
func (p *Pool) Disconnect() Results {
	return p.Each(context.Background(), func(_ context.Context, s *shell.Session) (string, error) {
		return "", s.Disconnect()
	})
}

// Connected reports whether every session is connected. An empty pool is
// not connected.
func (p *Pool) Connected() bool {
	sessions := p.Sessions()
	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		if !s.Connected() {
			return false
		}
	}
	return true
}

// Run calls cmd on every host.
func (p *Pool) Run(ctx context.Context, cmd string, opts ...connector.CallOption) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return s.Call(ctx, cmd, opts...)
	})
}

// Upload syncs a local path to every host.
func (p *Pool) Upload(ctx context.Context, localPath, remotePath string, opts ...connector.CallOption) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return "", s.Upload(ctx, localPath, remotePath, opts...)
	})
}

// Download syncs a remote path from every host into localDir/<host>/.
func (p *Pool) Download(ctx context.Context, remotePath, localDir string, opts ...connector.CallOption) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		dst := fmt.Sprintf("%s/%s/", localDir, s.Host())
		if err := os.MkdirAll(dst, 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", dst, err)
		}
		return dst, s.Download(ctx, remotePath, dst, opts...)
	})
}

// MakeFile writes content to path on every host.
func (p *Pool) MakeFile(ctx context.Context, path string, content []byte, mode os.FileMode, opts ...connector.CallOption) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return "", s.MakeFile(ctx, path, content, mode, opts...)
	})
}

// Symlink points link at target on every host.
func (p *Pool) Symlink(ctx context.Context, target, link string, opts ...connector.CallOption) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return "", s.Symlink(ctx, target, link, opts...)
	})
}

// OSName returns each host's kernel name.
func (p *Pool) OSName(ctx context.Context) Results {
	return p.Each(ctx, func(ctx context.Context, s *shell.Session) (string, error) {
		return s.OSName(ctx)
	})
}

// Ensure Pool implements connector.Connectable.
var _ connector.Connectable = (*poolConnectable)(nil)

// poolConnectable adapts Pool's result-returning broadcasts to the
// Connectable error contract.
type poolConnectable struct{ *Pool }

func (c *poolConnectable) Connect(ctx context.Context) error { return c.Pool.Connect(ctx).Err() }
func (c *poolConnectable) Disconnect() error                 { return c.Pool.Disconnect().Err() }

// Connectable returns a view of the pool satisfying connector.Connectable.
func (p *Pool) Connectable() connector.Connectable {
	return &poolConnectable{p}
}

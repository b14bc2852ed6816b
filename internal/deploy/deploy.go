// Package deploy applies a manifest's dependencies to its hosts and reports
// what changed.
package deploy

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/config"
	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/deps"
	"github.com/eugenetaranov/rig/internal/output"
	"github.com/eugenetaranov/rig/internal/pool"
	"github.com/eugenetaranov/rig/pkg/facts"
)

// Fleet runs a task against every target it holds. *pool.Pool is a Fleet.
type Fleet interface {
	Dispatch(ctx context.Context, task pool.Task) pool.Results
}

// Single is a Fleet of one runner, used for local and container targets.
type Single struct {
	Host   string
	Runner connector.Runner
}

// Dispatch runs task against the runner.
func (s Single) Dispatch(ctx context.Context, task pool.Task) pool.Results {
	out, err := task(ctx, s.Host, s.Runner)
	return pool.Results{s.Host: {Host: s.Host, Output: out, Err: err}}
}

// Stats holds per-host counters.
type Stats struct {
	OK      int
	Changed int
	Failed  int
	Skipped int
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetChanged returns the Changed count (implements output.Stats).
func (s *Stats) GetChanged() int { return s.Changed }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

func (s *Stats) add(status output.Status) {
	switch status {
	case output.StatusOK:
		s.OK++
	case output.StatusChanged:
		s.Changed++
	case output.StatusFailed:
		s.Failed++
	case output.StatusSkipped:
		s.Skipped++
	}
}

// Report is the outcome of one run across the fleet.
type Report struct {
	RunID   string
	Stats   map[string]*Stats
	Results pool.Results
	Elapsed time.Duration
}

// Err combines the per-host failures.
func (r *Report) Err() error {
	return r.Results.Err()
}

// OutputStats adapts Stats for output.Recap.
func (r *Report) OutputStats() map[string]output.Stats {
	stats := make(map[string]output.Stats, len(r.Stats))
	for h, s := range r.Stats {
		stats[h] = s
	}
	return stats
}

// Deployer runs dependency operations from a manifest.
type Deployer struct {
	manifest *config.Manifest
	graph    *deps.Graph
	out      *output.Output
	log      *zap.Logger
	sudo     connector.Sudo
	facts    bool
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithOutput sets the progress printer.
func WithOutput(o *output.Output) Option {
	return func(d *Deployer) {
		d.out = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Deployer) {
		d.log = l
	}
}

// WithSudo sets the policy for dependencies that do not set their own.
func WithSudo(sudo connector.Sudo) Option {
	return func(d *Deployer) {
		d.sudo = sudo
	}
}

// WithFacts controls whether host facts are gathered before each run.
// Facts feed type preference and the facts.* template variables.
func WithFacts(enabled bool) Option {
	return func(d *Deployer) {
		d.facts = enabled
	}
}

// New creates a deployer for m whose dependencies are registered in g.
func New(m *config.Manifest, g *deps.Graph, opts ...Option) *Deployer {
	d := &Deployer{
		manifest: m,
		graph:    g,
		out:      output.New(io.Discard),
		log:      zap.NewNop(),
		facts:    true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// host is the per-host state of a run.
type host struct {
	name   string
	runner connector.Runner
	filter deps.Filter
	stats  *Stats
}

// prepare gathers facts and wraps r so commands are templated with the
// host's vars.
func (d *Deployer) prepare(ctx context.Context, name string, r connector.Runner, stats *Stats) *host {
	d.out.HostStart(name)
	vars := d.manifest.HostVars(d.manifest.Host(name))
	prefer := append([]string(nil), d.manifest.Defaults.Prefer...)

	if d.facts {
		f, err := facts.Gather(ctx, r)
		if err != nil {
			d.log.Warn("can't gather facts", zap.String("host", name), zap.Error(err))
		} else {
			vars["facts"] = f.Map()
			if f.PackageManager != "" {
				prefer = append(prefer, f.PackageManager)
			}
		}
	}

	return &host{
		name:   name,
		runner: &templated{Runner: r, vars: vars},
		filter: deps.Filter{Prefer: prefer},
		stats:  stats,
	}
}

func (d *Deployer) record(h *host, dep string, status output.Status, err error) error {
	h.stats.add(status)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.out.Result(h.name, dep, status, msg)
	return err
}

// run dispatches op to every host of fleet and collects stats.
func (d *Deployer) run(ctx context.Context, fleet Fleet, op string, fn func(ctx context.Context, h *host) error) *Report {
	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Stats: make(map[string]*Stats)}
	log := d.log.With(zap.String("run", report.RunID), zap.String("op", op))
	log.Info("run started")
	d.out.RunStart(d.manifest.Path+" "+op, report.RunID)

	var mu sync.Mutex
	statsFor := func(name string) *Stats {
		mu.Lock()
		defer mu.Unlock()
		s, ok := report.Stats[name]
		if !ok {
			s = &Stats{}
			report.Stats[name] = s
		}
		return s
	}

	report.Results = fleet.Dispatch(ctx, func(ctx context.Context, name string, r connector.Runner) (string, error) {
		h := d.prepare(ctx, name, r, statsFor(name))
		return "", fn(ctx, h)
	})

	report.Elapsed = time.Since(start)
	log.Info("run finished", zap.Duration("elapsed", report.Elapsed), zap.Strings("failed", report.Results.Failed()))
	return report
}

// InstallOptions controls Install.
type InstallOptions struct {
	SkipParents bool
}

// Install installs names (every manifest dependency when empty) on each host
// of fleet. Dependencies already present count as ok, fresh installs as
// changed.
func (d *Deployer) Install(ctx context.Context, fleet Fleet, names []string, opts InstallOptions) *Report {
	names = d.names(names)
	return d.run(ctx, fleet, "install", func(ctx context.Context, h *host) error {
		var errs error
		for _, name := range names {
			errs = multierr.Append(errs, d.installOne(ctx, h, name, opts))
		}
		return errs
	})
}

func (d *Deployer) installOne(ctx context.Context, h *host, name string, opts InstallOptions) error {
	dep, err := d.graph.Get(name, h.filter)
	if err != nil {
		return d.record(h, name, output.StatusFailed, err)
	}
	if dep.Installed(ctx, h.runner, d.sudo) {
		return d.record(h, name, output.StatusOK, nil)
	}

	err = dep.Install(ctx, h.runner, deps.InstallOptions{
		Filter:      h.filter,
		SkipParents: opts.SkipParents,
		Sudo:        d.sudo,
	})
	if err != nil {
		return d.record(h, name, output.StatusFailed, err)
	}
	return d.record(h, name, output.StatusChanged, nil)
}

// UninstallOptions controls Uninstall.
type UninstallOptions struct {
	Force   bool
	Cascade deps.Cascade
}

// Uninstall removes names on each host of fleet in reverse order. A name
// whose children were all removed earlier in the same run is no longer
// refused, so listing a whole chain parents first removes it.
func (d *Deployer) Uninstall(ctx context.Context, fleet Fleet, names []string, opts UninstallOptions) *Report {
	names = d.names(names)
	return d.run(ctx, fleet, "uninstall", func(ctx context.Context, h *host) error {
		var errs error
		removed := make(map[string]bool, len(names))
		for i := len(names) - 1; i >= 0; i-- {
			name := names[i]
			force := opts.Force || d.childrenRemoved(name, removed)
			err := d.uninstallOne(ctx, h, name, opts, force)
			if err == nil {
				removed[name] = true
			}
			errs = multierr.Append(errs, err)
		}
		return errs
	})
}

func (d *Deployer) childrenRemoved(name string, removed map[string]bool) bool {
	children := d.graph.Children(name)
	for _, child := range children {
		if !removed[child] {
			return false
		}
	}
	return len(children) > 0
}

func (d *Deployer) uninstallOne(ctx context.Context, h *host, name string, opts UninstallOptions, force bool) error {
	dep, err := d.graph.Get(name, h.filter)
	if err != nil {
		return d.record(h, name, output.StatusFailed, err)
	}
	wasInstalled := dep.Installed(ctx, h.runner, d.sudo)

	err = dep.Uninstall(ctx, h.runner, deps.UninstallOptions{
		Filter:         h.filter,
		Force:          force,
		RemoveChildren: opts.Cascade,
		Sudo:           d.sudo,
	})
	switch {
	case err != nil:
		return d.record(h, name, output.StatusFailed, err)
	case wasInstalled:
		return d.record(h, name, output.StatusChanged, nil)
	default:
		return d.record(h, name, output.StatusOK, nil)
	}
}

// Check reports whether names are installed on each host without changing
// anything. Missing dependencies count as failed and name the missing
// parents.
func (d *Deployer) Check(ctx context.Context, fleet Fleet, names []string) *Report {
	names = d.names(names)
	return d.run(ctx, fleet, "check", func(ctx context.Context, h *host) error {
		var errs error
		for _, name := range names {
			dep, err := d.graph.Get(name, h.filter)
			if err != nil {
				errs = multierr.Append(errs, d.record(h, name, output.StatusFailed, err))
				continue
			}
			if dep.Installed(ctx, h.runner, d.sudo) {
				d.record(h, name, output.StatusOK, nil)
				continue
			}
			msg := "not installed"
			if missing := dep.MissingParents(ctx, h.runner, h.filter, d.sudo, 0); len(missing) > 0 {
				msg += fmt.Sprintf(" (missing parents: %v)", missing)
			}
			errs = multierr.Append(errs, d.record(h, name, output.StatusFailed, fmt.Errorf("%s: %s", name, msg)))
		}
		return errs
	})
}

// Run executes cmd on each host of fleet, streaming output in debug mode.
func (d *Deployer) Run(ctx context.Context, fleet Fleet, cmd string, opts ...connector.CallOption) pool.Results {
	return fleet.Dispatch(ctx, func(ctx context.Context, name string, r connector.Runner) (string, error) {
		stream := connector.WithOutput(func(s connector.Stream, text string) {
			d.out.Stream(name, string(s), text)
		})
		callOpts := make([]connector.CallOption, 0, len(opts)+2)
		callOpts = append(callOpts, connector.WithSudo(d.sudo))
		callOpts = append(callOpts, opts...)
		return r.Call(ctx, cmd, append(callOpts, stream)...)
	})
}

func (d *Deployer) names(names []string) []string {
	if len(names) > 0 {
		return names
	}
	return d.manifest.DependencyNames()
}

// Package deps installs and removes named dependencies in parent-first order
// through pluggable package manager backends.
package deps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Filter selects among variants of a name. Type is mandatory: when set and
// nothing matches, resolution fails. Prefer only orders the search and falls
// back to the most recent variant.
type Filter struct {
	Type   []string
	Prefer []string
}

// InstallOptions controls Install.
type InstallOptions struct {
	Filter

	// SkipParents installs only this dependency. Missing parents are an error.
	SkipParents bool

	// Sudo applies when the dependency does not set its own policy.
	Sudo connector.Sudo
}

// Cascade controls whether Uninstall removes children first.
type Cascade int

const (
	CascadeNone Cascade = iota
	// CascadeDirect removes direct children only.
	CascadeDirect
	// CascadeRecursive removes the whole subtree.
	CascadeRecursive
)

// UninstallOptions controls Uninstall.
type UninstallOptions struct {
	Filter

	// Force removes the dependency even if others require it.
	Force bool

	RemoveChildren Cascade

	Sudo connector.Sudo
}

// Dependency is a named installable unit.
type Dependency struct {
	Name string
	Type string

	// Requires lists the names that must be installed first.
	Requires []string

	InstallAction   Action
	UninstallAction Action
	CheckAction     Action

	// Sudo overrides the caller's policy when set.
	Sudo connector.Sudo

	graph *Graph
}

func (d *Dependency) String() string {
	if d.Type == "" {
		return d.Name
	}
	return d.Type + ":" + d.Name
}

func (d *Dependency) log() *zap.Logger {
	if d.graph == nil {
		return zap.NewNop()
	}
	return d.graph.log.With(zap.String("dependency", d.String()))
}

func (d *Dependency) sudo(fallback connector.Sudo) connector.Sudo {
	return d.Sudo.Or(fallback)
}

// Children returns the names of registered dependencies requiring this one.
func (d *Dependency) Children() []string {
	if d.graph == nil {
		return nil
	}
	return d.graph.Children(d.Name)
}

// Installed runs the check action. Any failure means not installed.
func (d *Dependency) Installed(ctx context.Context, r connector.Runner, sudo connector.Sudo) bool {
	return d.CheckAction.run(ctx, r, d.sudo(sudo)) == nil
}

// MissingParents returns the parents that are not installed, in declaration
// order, or nil when none are missing. A positive limit stops the walk once
// that many are found.
func (d *Dependency) MissingParents(ctx context.Context, r connector.Runner, f Filter, sudo connector.Sudo, limit int) []string {
	var missing []string
	for _, name := range d.Requires {
		parent, err := d.parent(name, f)
		if err != nil || !parent.Installed(ctx, r, sudo) {
			missing = append(missing, name)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

func (d *Dependency) parent(name string, f Filter) (*Dependency, error) {
	if d.graph == nil {
		return nil, &MissingDependencyError{Name: name, Type: f.Type}
	}
	return d.graph.Get(name, f)
}

// Install installs parents first, then this dependency. It is a no-op when
// the dependency is already installed, and verifies the result afterwards.
func (d *Dependency) Install(ctx context.Context, r connector.Runner, opts InstallOptions) error {
	if d.Installed(ctx, r, opts.Sudo) {
		d.log().Debug("already installed")
		return nil
	}

	if opts.SkipParents {
		if missing := d.MissingParents(ctx, r, opts.Filter, opts.Sudo, 0); len(missing) > 0 {
			return &InstallError{Name: d.Name, Message: "missing parents: " + strings.Join(missing, ", ")}
		}
	} else {
		for _, name := range d.Requires {
			parent, err := d.parent(name, opts.Filter)
			if err != nil {
				return &InstallError{Name: d.Name, Message: "can't resolve parent", Err: err}
			}
			if err := parent.Install(ctx, r, opts); err != nil {
				return fmt.Errorf("%s requires %s: %w", d.Name, name, err)
			}
		}
	}

	d.log().Info("installing", zap.String("target", r.String()))
	if err := d.InstallAction.run(ctx, r, d.sudo(opts.Sudo)); err != nil {
		return &InstallError{Name: d.Name, Err: err}
	}
	if !d.Installed(ctx, r, opts.Sudo) {
		return &InstallError{Name: d.Name, Message: "still not installed after install"}
	}
	return nil
}

// Uninstall removes this dependency. When other dependencies require it,
// Force or RemoveChildren must be given.
func (d *Dependency) Uninstall(ctx context.Context, r connector.Runner, opts UninstallOptions) error {
	children := d.Children()
	if len(children) > 0 && !opts.Force && opts.RemoveChildren == CascadeNone {
		return &UninstallError{
			Name:    d.Name,
			Message: "required by " + strings.Join(children, ", ") + " (use force or remove children)",
		}
	}

	if opts.RemoveChildren != CascadeNone {
		childOpts := opts
		if opts.RemoveChildren == CascadeDirect {
			childOpts.RemoveChildren = CascadeNone
		}
		for _, name := range children {
			child, err := d.graph.Get(name, opts.Filter)
			if err != nil {
				return &UninstallError{Name: d.Name, Message: "can't resolve child", Err: err}
			}
			if err := child.Uninstall(ctx, r, childOpts); err != nil {
				return fmt.Errorf("%s is required by %s: %w", d.Name, name, err)
			}
		}
	}

	if !d.Installed(ctx, r, opts.Sudo) {
		d.log().Debug("not installed")
		return nil
	}

	d.log().Info("uninstalling", zap.String("target", r.String()))
	if err := d.UninstallAction.run(ctx, r, d.sudo(opts.Sudo)); err != nil {
		return &UninstallError{Name: d.Name, Err: err}
	}
	if d.Installed(ctx, r, opts.Sudo) {
		return &UninstallError{Name: d.Name, Message: "still installed after uninstall"}
	}
	return nil
}

package deps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Graph holds dependency variants by name. Registration happens at
// configuration time; lookups and installs afterwards only read.
type Graph struct {
	mu       sync.RWMutex
	variants map[string][]*Dependency // most recent first
	children map[string][]string
	log      *zap.Logger
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GraphOption {
	return func(g *Graph) {
		g.log = l
	}
}

// NewGraph returns an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		variants: make(map[string][]*Dependency),
		children: make(map[string][]string),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds d as the most recent variant of its name and records it as
// a child of each name it requires. Registering a dependency that closes a
// cycle fails with ErrCycle.
func (g *Graph) Register(d *Dependency) error {
	if d.Name == "" {
		return errors.New("dependency name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, parent := range d.Requires {
		if parent == d.Name || g.reachesLocked(parent, d.Name, map[string]bool{}) {
			return fmt.Errorf("%w: %s requires %s", ErrCycle, d.Name, parent)
		}
	}

	d.graph = g
	g.variants[d.Name] = append([]*Dependency{d}, g.variants[d.Name]...)

	for _, parent := range d.Requires {
		if !contains(g.children[parent], d.Name) {
			g.children[parent] = append(g.children[parent], d.Name)
		}
	}

	g.log.Debug("registered dependency", zap.String("name", d.Name), zap.String("type", d.Type), zap.Strings("requires", d.Requires))
	return nil
}

// reachesLocked reports whether target is reachable from name by following
// requirements of any variant.
func (g *Graph) reachesLocked(name, target string, seen map[string]bool) bool {
	if seen[name] {
		return false
	}
	seen[name] = true
	for _, v := range g.variants[name] {
		for _, parent := range v.Requires {
			if parent == target || g.reachesLocked(parent, target, seen) {
				return true
			}
		}
	}
	return false
}

// Resolve returns the variant of name selected by f, or nil.
func (g *Graph) Resolve(name string, f Filter) *Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	variants := g.variants[name]
	if len(variants) == 0 {
		return nil
	}

	if len(f.Type) > 0 {
		return pick(variants, f.Type)
	}
	if len(f.Prefer) > 0 {
		if d := pick(variants, f.Prefer); d != nil {
			return d
		}
	}
	return variants[0]
}

func pick(variants []*Dependency, types []string) *Dependency {
	for _, t := range types {
		for _, v := range variants {
			if v.Type == t {
				return v
			}
		}
	}
	return nil
}

// Get is Resolve returning *MissingDependencyError when nothing matches.
func (g *Graph) Get(name string, f Filter) (*Dependency, error) {
	if d := g.Resolve(name, f); d != nil {
		return d, nil
	}
	return nil, &MissingDependencyError{Name: name, Type: f.Type}
}

// Variants returns every variant of name, most recent first.
func (g *Graph) Variants(name string) []*Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Dependency(nil), g.variants[name]...)
}

// Children returns the names that require name.
func (g *Graph) Children(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.children[name]...)
}

// Names returns every registered name, sorted.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.variants))
	for name := range g.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install resolves name and installs it.
func (g *Graph) Install(ctx context.Context, r connector.Runner, name string, opts InstallOptions) error {
	d, err := g.Get(name, opts.Filter)
	if err != nil {
		return err
	}
	return d.Install(ctx, r, opts)
}

// Uninstall resolves name and uninstalls it.
func (g *Graph) Uninstall(ctx context.Context, r connector.Runner, name string, opts UninstallOptions) error {
	d, err := g.Get(name, opts.Filter)
	if err != nil {
		return err
	}
	return d.Uninstall(ctx, r, opts)
}

// Installed resolves name and checks it. Unknown names are not installed.
func (g *Graph) Installed(ctx context.Context, r connector.Runner, name string, f Filter, sudo connector.Sudo) bool {
	d := g.Resolve(name, f)
	return d != nil && d.Installed(ctx, r, sudo)
}

// MissingParents resolves name and lists its parents that are not installed.
// Unknown names have none.
func (g *Graph) MissingParents(ctx context.Context, r connector.Runner, name string, f Filter, sudo connector.Sudo, limit int) []string {
	d := g.Resolve(name, f)
	if d == nil {
		return nil
	}
	return d.MissingParents(ctx, r, f, sudo, limit)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

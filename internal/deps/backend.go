package deps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Backend supplies default commands for packages of one manager type.
type Backend interface {
	InstallCommand(pkg string) string
	UninstallCommand(pkg string) string
	CheckCommand(pkg string) string
}

// Commands is a Backend built from format strings with a single %s verb
// receiving the quoted package name. An empty format means the action must
// be given explicitly.
type Commands struct {
	Install   string
	Uninstall string
	Check     string
}

func (c Commands) InstallCommand(pkg string) string   { return format(c.Install, pkg) }
func (c Commands) UninstallCommand(pkg string) string { return format(c.Uninstall, pkg) }
func (c Commands) CheckCommand(pkg string) string     { return format(c.Check, pkg) }

func format(f, pkg string) string {
	if f == "" {
		return ""
	}
	return fmt.Sprintf(f, connector.Quote(pkg))
}

// Built-in backends.
var builtins = map[string]Backend{
	"apt": Commands{
		Install:   "DEBIAN_FRONTEND=noninteractive apt-get install -y -qq %s",
		Uninstall: "DEBIAN_FRONTEND=noninteractive apt-get remove -y -qq %s",
		Check:     "dpkg-query -W -f='${Status}' %s 2>/dev/null | grep -q 'install ok installed'",
	},
	"yum": Commands{
		Install:   "yum install -y -q %s",
		Uninstall: "yum remove -y -q %s",
		Check:     "rpm -q %s",
	},
	"apk": Commands{
		Install:   "apk add --no-cache %s",
		Uninstall: "apk del %s",
		Check:     "apk info -e %s",
	},
	"brew": Commands{
		Install:   "brew install %s",
		Uninstall: "brew uninstall %s",
		Check:     "brew list --versions %s",
	},
	"gem": Commands{
		Install:   "gem install --no-document %s",
		Uninstall: "gem uninstall -x -a %s",
		Check:     "gem list -i -e %s",
	},
	"npm": Commands{
		Install:   "npm install -g %s",
		Uninstall: "npm uninstall -g %s",
		Check:     "npm list -g --depth=0 %s",
	},
	"pip": Commands{
		Install:   "pip install -q %s",
		Uninstall: "pip uninstall -y -q %s",
		Check:     "pip show -q %s",
	},
	"shell": Commands{},
}

// Backends maps a manager type to its Backend.
type Backends struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewBackends returns a table holding the built-in backends.
func NewBackends() *Backends {
	b := &Backends{backends: make(map[string]Backend, len(builtins))}
	for t, be := range builtins {
		b.backends[t] = be
	}
	return b
}

// Register adds a backend. It fails if typ is already registered.
func (b *Backends) Register(typ string, be Backend) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.backends[typ]; exists {
		return fmt.Errorf("backend %q is already registered", typ)
	}
	b.backends[typ] = be
	return nil
}

// Get returns the backend for typ.
func (b *Backends) Get(typ string) (Backend, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	be, ok := b.backends[typ]
	return be, ok
}

// Types returns the registered types, sorted.
func (b *Backends) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.backends))
	for t := range b.backends {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Option configures a Dependency built by New.
type Option func(*builder)

type builder struct {
	dep Dependency
	pkg string
}

// Requires declares parents.
func Requires(names ...string) Option {
	return func(s *builder) {
		s.dep.Requires = append(s.dep.Requires, names...)
	}
}

// Package sets the package name passed to the backend when it differs from
// the dependency name.
func Package(pkg string) Option {
	return func(s *builder) {
		s.pkg = pkg
	}
}

// OnInstall overrides the install action.
func OnInstall(a Action) Option {
	return func(s *builder) {
		s.dep.InstallAction = a
	}
}

// OnUninstall overrides the uninstall action.
func OnUninstall(a Action) Option {
	return func(s *builder) {
		s.dep.UninstallAction = a
	}
}

// OnCheck overrides the installed check.
func OnCheck(a Action) Option {
	return func(s *builder) {
		s.dep.CheckAction = a
	}
}

// Sudo sets the dependency's own privilege policy.
func Sudo(sudo connector.Sudo) Option {
	return func(s *builder) {
		s.dep.Sudo = sudo
	}
}

// New builds a dependency of type typ. Actions not given explicitly come
// from the backend; the install and check actions must end up defined.
func (b *Backends) New(name, typ string, opts ...Option) (*Dependency, error) {
	be, ok := b.Get(typ)
	if !ok {
		return nil, fmt.Errorf("dependency %s: unknown type %q", name, typ)
	}

	s := &builder{dep: Dependency{Name: name, Type: typ}, pkg: name}
	for _, opt := range opts {
		opt(s)
	}

	d := s.dep
	if d.InstallAction.IsZero() {
		d.InstallAction = Command(be.InstallCommand(s.pkg))
	}
	if d.UninstallAction.IsZero() {
		d.UninstallAction = Command(be.UninstallCommand(s.pkg))
	}
	if d.CheckAction.IsZero() {
		d.CheckAction = Command(be.CheckCommand(s.pkg))
	}

	if d.InstallAction.IsZero() {
		return nil, fmt.Errorf("dependency %s: install action is required for type %q", name, typ)
	}
	if d.CheckAction.IsZero() {
		return nil, fmt.Errorf("dependency %s: check action is required for type %q", name, typ)
	}
	return &d, nil
}

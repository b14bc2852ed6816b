// Package config loads rig manifests: the hosts to deploy to, the session
// defaults and the dependencies to install on them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/deps"
	"github.com/eugenetaranov/rig/internal/pool"
	"github.com/eugenetaranov/rig/internal/shell"
)

// Manifest is a parsed rig manifest.
type Manifest struct {
	// Path is the file the manifest was loaded from.
	Path string `yaml:"-"`

	Defaults Defaults `yaml:"defaults"`

	// Vars are available to dependency commands as {{ name }}.
	Vars map[string]any `yaml:"vars"`

	Hosts []*Host `yaml:"hosts"`

	Dependencies []*Dependency `yaml:"dependencies"`
}

// Defaults apply to every host unless the host overrides them.
type Defaults struct {
	User           string            `yaml:"user"`
	Timeout        time.Duration     `yaml:"timeout"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	LoginTool      string            `yaml:"login_tool"`
	LoginFlags     []string          `yaml:"login_flags"`
	SyncTool       string            `yaml:"sync_tool"`
	SyncFlags      []string          `yaml:"sync_flags"`
	Sudo           Sudo              `yaml:"sudo"`
	Env            map[string]string `yaml:"env"`
	Forks          int               `yaml:"forks"`

	// Prefer orders dependency types when a name has several variants.
	Prefer []string `yaml:"prefer"`
}

// Host is one deploy target. A bare string in YAML is a host name.
type Host struct {
	Host string            `yaml:"host"`
	User string            `yaml:"user"`
	Sudo Sudo              `yaml:"sudo"`
	Env  map[string]string `yaml:"env"`
	Vars map[string]any    `yaml:"vars"`
}

// UnmarshalYAML accepts either a host name or a mapping.
func (h *Host) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&h.Host)
	}
	type plain Host
	return node.Decode((*plain)(h))
}

// Dependency declares an installable unit. Commands left empty come from the
// backend for Type.
type Dependency struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Package   string   `yaml:"package"`
	Requires  []string `yaml:"requires"`
	Install   string   `yaml:"install"`
	Uninstall string   `yaml:"uninstall"`
	Check     string   `yaml:"check"`
	Sudo      Sudo     `yaml:"sudo"`
}

// Sudo is a privilege policy decoded from a bool or a user name.
type Sudo struct {
	connector.Sudo
}

// UnmarshalYAML decodes true, false, "root", "never" or a user name.
func (s *Sudo) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := connector.ParseSudo(v)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	s.Sudo = parsed
	return nil
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	m.Path = path
	return m, nil
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest format: %w", err)
	}

	for _, d := range m.Dependencies {
		if d != nil && d.Type == "" {
			d.Type = "shell"
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for common errors.
func (m *Manifest) Validate() error {
	if m.Defaults.Forks < 0 {
		return errors.New("defaults: forks must not be negative")
	}
	if m.Defaults.Timeout < 0 || m.Defaults.ConnectTimeout < 0 {
		return errors.New("defaults: timeouts must not be negative")
	}

	seen := make(map[string]bool)
	for i, h := range m.Hosts {
		if h == nil || h.Host == "" {
			return fmt.Errorf("host %d: missing required 'host' field", i+1)
		}
		if seen[h.Host] {
			return fmt.Errorf("duplicate host %s", h.Host)
		}
		seen[h.Host] = true
	}

	names := make(map[string]bool)
	for i, d := range m.Dependencies {
		if d == nil || d.Name == "" {
			return fmt.Errorf("dependency %d: missing required 'name' field", i+1)
		}
		names[d.Name] = true
	}
	for _, d := range m.Dependencies {
		for _, parent := range d.Requires {
			if !names[parent] {
				return fmt.Errorf("dependency %s: requires unknown dependency %s", d.Name, parent)
			}
		}
	}

	return nil
}

// HostNames returns the host names in manifest order.
func (m *Manifest) HostNames() []string {
	names := make([]string, 0, len(m.Hosts))
	for _, h := range m.Hosts {
		names = append(names, h.Host)
	}
	return names
}

// DependencyNames returns the distinct dependency names in manifest order.
func (m *Manifest) DependencyNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, d := range m.Dependencies {
		if !seen[d.Name] {
			seen[d.Name] = true
			names = append(names, d.Name)
		}
	}
	return names
}

// Host returns the host entry named name, or nil.
func (m *Manifest) Host(name string) *Host {
	for _, h := range m.Hosts {
		if h.Host == name {
			return h
		}
	}
	return nil
}

// HostVars returns the manifest vars overlaid with the vars of h.
func (m *Manifest) HostVars(h *Host) map[string]any {
	vars := make(map[string]any, len(m.Vars))
	for k, v := range m.Vars {
		vars[k] = v
	}
	if h != nil {
		for k, v := range h.Vars {
			vars[k] = v
		}
	}
	return vars
}

// SessionOptions returns the session options for h: manifest defaults first,
// then the host's overrides.
func (m *Manifest) SessionOptions(h *Host) []shell.Option {
	d := m.Defaults
	var opts []shell.Option

	user := d.User
	if h.User != "" {
		user = h.User
	}
	if user != "" {
		opts = append(opts, shell.WithUser(user))
	}

	if d.LoginTool != "" || d.LoginFlags != nil {
		tool := d.LoginTool
		if tool == "" {
			tool = "ssh"
		}
		flags := d.LoginFlags
		if flags == nil {
			flags = shell.DefaultLoginFlags
		}
		opts = append(opts, shell.WithLoginTool(tool, flags...))
	}
	if d.SyncTool != "" || d.SyncFlags != nil {
		tool := d.SyncTool
		if tool == "" {
			tool = "rsync"
		}
		flags := d.SyncFlags
		if flags == nil {
			flags = shell.DefaultSyncFlags
		}
		opts = append(opts, shell.WithSyncTool(tool, flags...))
	}

	if d.Timeout > 0 {
		opts = append(opts, shell.WithTimeout(d.Timeout))
	}
	if d.ConnectTimeout > 0 {
		opts = append(opts, shell.WithConnectTimeout(d.ConnectTimeout))
	}

	if sudo := h.Sudo.Or(d.Sudo.Sudo); sudo.IsSet() {
		opts = append(opts, shell.WithSudo(sudo))
	}

	keys, env := connector.MergeEnv(d.Env, h.Env)
	for _, k := range keys {
		opts = append(opts, shell.WithEnv(k, env[k]))
	}

	return opts
}

// Pool builds a session pool for every host. extra options are applied to
// each session before the manifest's own, so the manifest wins.
func (m *Manifest) Pool(log *zap.Logger, extra ...shell.Option) *pool.Pool {
	if log == nil {
		log = zap.NewNop()
	}
	extra = append(extra, shell.WithLogger(log))

	p := pool.New(
		pool.WithForks(m.Defaults.Forks),
		pool.WithLogger(log),
		pool.WithSessionOptions(extra...),
	)
	for _, h := range m.Hosts {
		opts := append(append([]shell.Option{}, extra...), m.SessionOptions(h)...)
		p.Add(shell.New(h.Host, opts...))
	}
	return p
}

// Graph registers every dependency of the manifest, building actions from
// the backends in b.
func (m *Manifest) Graph(b *deps.Backends, log *zap.Logger) (*deps.Graph, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := deps.NewGraph(deps.WithLogger(log))

	for _, d := range m.Dependencies {
		dep, err := b.New(d.Name, d.Type, d.options()...)
		if err != nil {
			return nil, err
		}
		if err := g.Register(dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", d.Name, err)
		}
	}
	return g, nil
}

func (d *Dependency) options() []deps.Option {
	var opts []deps.Option
	if len(d.Requires) > 0 {
		opts = append(opts, deps.Requires(d.Requires...))
	}
	if d.Package != "" {
		opts = append(opts, deps.Package(d.Package))
	}
	if d.Install != "" {
		opts = append(opts, deps.OnInstall(deps.Command(d.Install)))
	}
	if d.Uninstall != "" {
		opts = append(opts, deps.OnUninstall(deps.Command(d.Uninstall)))
	}
	if d.Check != "" {
		opts = append(opts, deps.OnCheck(deps.Command(d.Check)))
	}
	if d.Sudo.IsSet() {
		opts = append(opts, deps.Sudo(d.Sudo.Sudo))
	}
	return opts
}

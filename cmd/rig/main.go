// Package main is the entrypoint for the rig CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/eugenetaranov/rig/internal/config"
	"github.com/eugenetaranov/rig/internal/connector"
	"github.com/eugenetaranov/rig/internal/connector/docker"
	"github.com/eugenetaranov/rig/internal/connector/local"
	"github.com/eugenetaranov/rig/internal/deploy"
	"github.com/eugenetaranov/rig/internal/deps"
	"github.com/eugenetaranov/rig/internal/logger"
	"github.com/eugenetaranov/rig/internal/output"
	"github.com/eugenetaranov/rig/internal/pool"
	"github.com/eugenetaranov/rig/internal/process"
	"github.com/eugenetaranov/rig/internal/shell"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug     bool
	noColor   bool
	logFile   string
	forks     int
	runLocal  bool
	container string
	sudoFlag  string
	askPass   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rig",
	Short: "Rig - remote command execution and dependency installs over ssh",
	Long: `Rig runs shell commands on groups of hosts over persistent ssh
sessions and installs named dependencies on them in parent-first order.

Hosts and dependencies are described in a YAML manifest.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output and stream command output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write a JSON debug log to this file")
	rootCmd.PersistentFlags().IntVarP(&forks, "forks", "f", 1, "Number of hosts worked on in parallel")
	rootCmd.PersistentFlags().BoolVar(&runLocal, "local", false, "Target the local machine instead of the manifest hosts")
	rootCmd.PersistentFlags().StringVar(&container, "docker", "", "Target a running container instead of the manifest hosts")
	rootCmd.PersistentFlags().StringVar(&sudoFlag, "sudo", "", "Default sudo policy: true, false or a user name")
	rootCmd.PersistentFlags().BoolVarP(&askPass, "ask-pass", "K", false, "Prompt for the sudo password when asked")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(backendsCmd)
}

// session is everything a command needs once the manifest is loaded.
type session struct {
	manifest *config.Manifest
	graph    *deps.Graph
	out      *output.Output
	log      *zap.Logger
	deployer *deploy.Deployer

	fleet    deploy.Fleet
	target   connector.Connectable
	pool     *pool.Pool
	transfer func(ctx context.Context, src, dst string) pool.Results
	registry *shell.Registry
}

func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

func prompt(p string) (string, error) {
	fmt.Fprint(os.Stderr, p)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// setup loads the manifest and builds the fleet the command works on.
func setup(cmd *cobra.Command, path string) (*session, error) {
	opts := logger.DefaultOptions()
	opts.Debug = debug
	opts.Color = !noColor
	opts.File = logFile
	log, err := logger.New(opts)
	if err != nil {
		return nil, err
	}

	m, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("forks") {
		m.Defaults.Forks = forks
	}

	g, err := m.Graph(deps.NewBackends(), log)
	if err != nil {
		return nil, err
	}

	sudo, err := connector.ParseSudo(sudoFlag)
	if err != nil {
		return nil, err
	}

	password := process.NewPassword(os.Getenv("RIG_SUDO_PASSWORD"), nil)
	if askPass {
		password.SetPrompter(prompt)
	}

	s := &session{
		manifest: m,
		graph:    g,
		out:      newOutput(),
		log:      log,
		registry: shell.NewRegistry(),
	}
	s.deployer = deploy.New(m, g, deploy.WithOutput(s.out), deploy.WithLogger(log), deploy.WithSudo(sudo))

	switch {
	case runLocal && container != "":
		return nil, errors.New("--local and --docker are mutually exclusive")

	case runLocal:
		r := local.New(local.WithSudo(sudo), local.WithPassword(password), local.WithLogger(log))
		s.single("localhost", r, r)

	case container != "":
		r := docker.New(container, docker.WithSudo(sudo), docker.WithLogger(log))
		s.single(container, r, r)

	default:
		if len(m.Hosts) == 0 {
			return nil, fmt.Errorf("%s: no hosts defined", path)
		}
		p := m.Pool(log, shell.WithRegistry(s.registry), shell.WithPasswordStore(password))
		s.fleet = p
		s.pool = p
		s.target = p.Connectable()
		s.transfer = func(ctx context.Context, src, dst string) pool.Results {
			return p.Upload(ctx, src, dst)
		}
	}

	return s, nil
}

type singleTarget interface {
	connector.Runner
	connector.Connectable
}

func (s *session) single(name string, r singleTarget, t connector.Transferer) {
	s.fleet = deploy.Single{Host: name, Runner: r}
	s.target = r
	s.transfer = func(ctx context.Context, src, dst string) pool.Results {
		err := t.Upload(ctx, src, dst)
		return pool.Results{name: {Host: name, Err: err}}
	}
}

// withTarget connects, runs fn and always disconnects. SIGINT and SIGTERM
// cancel fn and tear every session down.
func (s *session) withTarget(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
			s.registry.DisconnectAll()
		case <-ctx.Done():
		}
	}()

	defer func() {
		_ = s.target.Disconnect()
		s.registry.DisconnectAll()
		_ = s.log.Sync()
	}()

	if s.pool != nil {
		// Unreachable hosts fail again in fn and show up in its results.
		connected := s.pool.Connect(ctx)
		for _, h := range connected.Failed() {
			s.out.Warn("%s: %v", h, connected[h].Err)
		}
	} else if err := s.target.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *session) finish(report *deploy.Report) error {
	s.out.Recap(report.OutputStats(), report.Elapsed)
	if err := report.Err(); err != nil {
		return fmt.Errorf("%d host(s) failed: %s", len(report.Results.Failed()), strings.Join(report.Results.Failed(), ", "))
	}
	return nil
}

func (s *session) finishResults(results pool.Results) error {
	for _, h := range results.Hosts() {
		if err := results[h].Err; err != nil {
			s.out.Error("%s: %v", h, err)
		}
	}
	if failed := results.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d host(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// runCmd executes a shell command on every host
var runCmd = &cobra.Command{
	Use:   "run <manifest.yaml> -- <command>",
	Short: "Run a command on every host",
	Long: `Run a shell command on every host of the manifest and print its output.

Examples:
  rig run deploy.yaml -- uptime
  rig run deploy.yaml --sudo true -- systemctl restart nginx`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd, args[0])
		if err != nil {
			return err
		}
		command := strings.Join(args[1:], " ")

		return s.withTarget(func(ctx context.Context) error {
			results := s.deployer.Run(ctx, s.fleet, command)
			for _, h := range results.Hosts() {
				if r := results[h]; r.Err == nil {
					fmt.Printf("%s:\n%s\n", h, r.Output)
				}
			}
			return s.finishResults(results)
		})
	},
}

// installCmd installs dependencies
var installCmd = &cobra.Command{
	Use:   "install <manifest.yaml> [dependency ...]",
	Short: "Install dependencies on every host",
	Long: `Install the named dependencies, or every dependency of the manifest,
parents first. Dependencies already present are left alone.

Examples:
  rig install deploy.yaml
  rig install deploy.yaml ruby bundler`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipParents, _ := cmd.Flags().GetBool("skip-parents")
		s, err := setup(cmd, args[0])
		if err != nil {
			return err
		}

		return s.withTarget(func(ctx context.Context) error {
			report := s.deployer.Install(ctx, s.fleet, args[1:], deploy.InstallOptions{SkipParents: skipParents})
			return s.finish(report)
		})
	},
}

func init() {
	installCmd.Flags().Bool("skip-parents", false, "Fail instead of installing missing parents")
}

// uninstallCmd removes dependencies
var uninstallCmd = &cobra.Command{
	Use:   "uninstall <manifest.yaml> <dependency> [dependency ...]",
	Short: "Uninstall dependencies from every host",
	Long: `Uninstall the named dependencies. A dependency other dependencies
require is refused unless --force, --cascade or --recursive is given.

Examples:
  rig uninstall deploy.yaml bundler
  rig uninstall deploy.yaml ruby --recursive`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cascade, _ := cmd.Flags().GetBool("cascade")
		recursive, _ := cmd.Flags().GetBool("recursive")

		opts := deploy.UninstallOptions{Force: force}
		switch {
		case recursive:
			opts.Cascade = deps.CascadeRecursive
		case cascade:
			opts.Cascade = deps.CascadeDirect
		}

		s, err := setup(cmd, args[0])
		if err != nil {
			return err
		}
		return s.withTarget(func(ctx context.Context) error {
			return s.finish(s.deployer.Uninstall(ctx, s.fleet, args[1:], opts))
		})
	},
}

func init() {
	uninstallCmd.Flags().Bool("force", false, "Remove even if other dependencies require it")
	uninstallCmd.Flags().Bool("cascade", false, "Remove direct children first")
	uninstallCmd.Flags().Bool("recursive", false, "Remove every dependent first")
}

// checkCmd reports what is installed
var checkCmd = &cobra.Command{
	Use:   "check <manifest.yaml> [dependency ...]",
	Short: "Check which dependencies are installed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd, args[0])
		if err != nil {
			return err
		}
		return s.withTarget(func(ctx context.Context) error {
			return s.finish(s.deployer.Check(ctx, s.fleet, args[1:]))
		})
	},
}

// uploadCmd copies a local path to every host
var uploadCmd = &cobra.Command{
	Use:   "upload <manifest.yaml> <local path> <remote path>",
	Short: "Copy a local file or directory to every host",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd, args[0])
		if err != nil {
			return err
		}
		return s.withTarget(func(ctx context.Context) error {
			start := time.Now()
			results := s.transfer(ctx, args[1], args[2])
			s.out.Info("uploaded %s to %d host(s) in %.2fs", args[1], len(results)-len(results.Failed()), time.Since(start).Seconds())
			return s.finishResults(results)
		})
	},
}

// depsCmd lists the dependency graph
var depsCmd = &cobra.Command{
	Use:   "deps <manifest.yaml>",
	Short: "List the dependencies of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := config.Load(args[0])
		if err != nil {
			return err
		}
		g, err := m.Graph(deps.NewBackends(), nil)
		if err != nil {
			return err
		}

		out := newOutput()
		out.Section("DEPENDENCIES")
		for _, name := range g.Names() {
			for _, v := range g.Variants(name) {
				line := fmt.Sprintf("  %s [%s]", name, v.Type)
				if len(v.Requires) > 0 {
					line += " requires " + strings.Join(v.Requires, ", ")
				}
				fmt.Println(line)
			}
			if children := g.Children(name); len(children) > 0 {
				fmt.Printf("    required by %s\n", strings.Join(children, ", "))
			}
		}
		return nil
	},
}

// validateCmd validates manifests without connecting anywhere
var validateCmd = &cobra.Command{
	Use:   "validate <manifest.yaml> [manifest2.yaml ...]",
	Short: "Validate one or more manifests",
	Long: `Parse and validate manifests without connecting to any host.

This checks for:
  - Valid YAML syntax
  - Required fields (host, name)
  - Known dependency types and required commands
  - Unknown parents and dependency cycles

Examples:
  rig validate deploy.yaml
  rig validate *.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var hasErrors bool

		for _, path := range args {
			if err := validateManifest(path); err != nil {
				fmt.Printf("FAIL: %s - %v\n", path, err)
				hasErrors = true
			} else {
				fmt.Printf("OK: %s\n", path)
			}
		}

		if hasErrors {
			return fmt.Errorf("one or more manifests failed validation")
		}

		fmt.Printf("\nAll %d manifest(s) valid.\n", len(args))
		return nil
	},
}

func validateManifest(path string) error {
	m, err := config.Load(path)
	if err != nil {
		return err
	}
	_, err = m.Graph(deps.NewBackends(), nil)
	return err
}

// backendsCmd lists the dependency types
var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available dependency types",
	Run: func(cmd *cobra.Command, args []string) {
		types := deps.NewBackends().Types()

		fmt.Println("Available dependency types:")
		fmt.Println()
		for _, name := range types {
			fmt.Printf("  - %s\n", name)
		}
		fmt.Println()
		fmt.Printf("Total: %d types\n", len(types))
	},
}

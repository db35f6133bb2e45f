package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malunal/mbuild/internal/msg"
	"github.com/malunal/mbuild/internal/runner"
)

const (
	BuildTypeDebug   = "Debug"
	BuildTypeRelease = "Release"
)

// Options are the command-line settings for one run. Empty strings fall back
// to mbuild.toml, then to the built-in defaults.
type Options struct {
	Configure bool
	Release   bool
	Install   bool
	Example   bool
	Threads   string

	SourceDir string
	BuildDir  string
	Generator string
	Defines   []string // KEY=VALUE, passed to configure as -DKEY=VALUE
}

func (o Options) BuildType() string {
	if o.Release {
		return BuildTypeRelease
	}
	return BuildTypeDebug
}

type Builder struct {
	cfg    *Config
	opts   Options
	runner runner.Runner
}

// NewBuilderInDirectory loads mbuild.toml from opts.SourceDir (or ".") and
// returns a Builder that runs its steps through r.
func NewBuilderInDirectory(opts Options, r runner.Runner) (*Builder, error) {
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}

	env := NewConfigEnv(opts.Release, opts.Example)
	cfg, err := LoadConfig(opts.SourceDir, env)
	if err != nil {
		return nil, err
	}
	return NewBuilder(cfg, opts, r), nil
}

func NewBuilder(cfg *Config, opts Options, r runner.Runner) *Builder {
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}
	return &Builder{cfg: cfg, opts: opts, runner: r}
}

// buildDir is relative to the working directory when given on the command
// line and relative to the source directory when it comes from mbuild.toml.
func (b *Builder) buildDir() string {
	if b.opts.BuildDir != "" {
		return b.opts.BuildDir
	}
	if filepath.IsAbs(b.cfg.CMake.BuildDir) {
		return b.cfg.CMake.BuildDir
	}
	return filepath.Join(b.opts.SourceDir, b.cfg.CMake.BuildDir)
}

func (b *Builder) generator() string {
	if b.opts.Generator != "" {
		return b.opts.Generator
	}
	return b.cfg.CMake.Generator
}

func (b *Builder) threads() (string, error) {
	if b.opts.Threads != "" {
		return ParseThreads(b.opts.Threads)
	}
	return b.cfg.CMake.ThreadCount()
}

// isMultiConfig reports whether the generator picks the build type at build
// time rather than at configure time.
func isMultiConfig(generator string) bool {
	return strings.HasPrefix(generator, "Visual Studio") ||
		generator == "Xcode" ||
		generator == "Ninja Multi-Config"
}

func colorEnv() map[string]string {
	return map[string]string{runner.ColorEnv: "1"}
}

func (b *Builder) configureInvocation(cmake string) (runner.Invocation, error) {
	args := []string{
		"-G", b.generator(),
		"-DCMAKE_BUILD_TYPE=" + b.opts.BuildType(),
	}
	if b.opts.Example {
		args = append(args, "-D"+b.cfg.Project.ExampleOption+"=ON")
	}
	args = append(args, b.cfg.CMake.SortedDefines()...)
	for _, def := range b.opts.Defines {
		if key, _, ok := strings.Cut(def, "="); !ok || key == "" {
			return runner.Invocation{}, fmt.Errorf("invalid define %q: expected KEY=VALUE", def)
		}
		args = append(args, "-D"+def)
	}
	args = append(args, "-S", b.opts.SourceDir, "-B", b.buildDir())

	return runner.Invocation{Name: "configure", Path: cmake, Args: args, Env: colorEnv()}, nil
}

func (b *Builder) buildInvocation(cmake, threads string) runner.Invocation {
	generator := b.generator()
	args := []string{"--build", b.buildDir()}
	if isMultiConfig(generator) {
		args = append(args, "--config", b.opts.BuildType())
	}
	if strings.HasPrefix(generator, "Visual Studio") {
		// msbuild does not understand -j
		args = append(args, "--parallel", threads)
	} else {
		args = append(args, "--", "-j"+threads)
	}
	return runner.Invocation{Name: "build", Path: cmake, Args: args, Env: colorEnv()}
}

func (b *Builder) installInvocation(cmake string) runner.Invocation {
	args := []string{"--install", b.buildDir()}
	if isMultiConfig(b.generator()) {
		args = append(args, "--config", b.opts.BuildType())
	}
	if b.cfg.CMake.InstallPrefix != "" {
		args = append(args, "--prefix", b.cfg.CMake.InstallPrefix)
	}
	return runner.Invocation{Name: "install", Path: cmake, Args: args, Env: colorEnv()}
}

// Plan returns the invocations a Build would run, in order: configure (when
// requested), build (always), install (when requested).
func (b *Builder) Plan() ([]runner.Invocation, error) {
	threads, err := b.threads()
	if err != nil {
		return nil, err
	}
	cmake := findCMake(b.cfg.CMake.Binary)

	var plan []runner.Invocation
	if b.opts.Configure {
		inv, err := b.configureInvocation(cmake)
		if err != nil {
			return nil, err
		}
		plan = append(plan, inv)
	}
	plan = append(plan, b.buildInvocation(cmake, threads))
	if b.opts.Install {
		plan = append(plan, b.installInvocation(cmake))
	}
	return plan, nil
}

// Build runs the planned steps one after another and stops at the first
// failure. A failed step is reported as *runner.ExitError.
func (b *Builder) Build(ctx context.Context) error {
	plan, err := b.Plan()
	if err != nil {
		return err
	}

	if b.opts.Configure {
		b.announceConfigure()
	} else {
		b.checkStale()
	}

	for _, inv := range plan {
		if err := b.runner.Run(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) announceConfigure() {
	name := b.cfg.Project.Name
	if name == "" {
		if abs, err := filepath.Abs(b.opts.SourceDir); err == nil {
			name = filepath.Base(abs)
		}
	}

	rev, err := describeRevision(b.opts.SourceDir)
	if err != nil {
		msg.Warn("could not read source revision: %v", err)
	}
	if rev != "" {
		msg.Info("configuring %s (%s) at %s", name, b.opts.BuildType(), rev)
	} else {
		msg.Info("configuring %s (%s)", name, b.opts.BuildType())
	}
}

// checkStale warns when building a tree whose configure inputs changed.
// It never triggers a configure on its own.
func (b *Builder) checkStale() {
	stale, err := staleInputs(b.opts.SourceDir, b.buildDir(), b.cfg.CMake.Watch)
	if errors.Is(err, errNotConfigured) {
		msg.Warn("%s has not been configured yet, pass --configure", b.buildDir())
		return
	}
	if err != nil {
		msg.Warn("could not check configure inputs: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	shown := stale
	if len(shown) > 5 {
		shown = slices.Clone(stale[:5])
		shown = append(shown, fmt.Sprintf("and %d more", len(stale)-5))
	}
	msg.Warn("changed since last configure: %s; consider --configure", strings.Join(shown, ", "))
}

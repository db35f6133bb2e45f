// mbuild [flags]
package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/malunal/mbuild/internal/builder"
	"github.com/malunal/mbuild/internal/msg"
	"github.com/malunal/mbuild/internal/runner"
	"github.com/spf13/cobra"
)

// usageError marks errors caused by the command line itself
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type buildFlags struct {
	configure bool
	release   bool
	install   bool
	example   bool
	dryRun    bool
	threads   string
	source    string
	buildDir  string
	defines   []string
	generator EnumValue
}

// options validates the flags and converts them to builder options. Values
// the user did not set stay empty so mbuild.toml can provide them.
func (f *buildFlags) options(cmd *cobra.Command) (builder.Options, error) {
	opts := builder.Options{
		Configure: f.configure,
		Release:   f.release,
		Install:   f.install,
		Example:   f.example,
		SourceDir: f.source,
		BuildDir:  f.buildDir,
		Defines:   f.defines,
	}

	if cmd.Flags().Changed("threads") {
		if _, err := builder.ParseThreads(f.threads); err != nil {
			return opts, err
		}
		opts.Threads = f.threads
	}
	if cmd.Flags().Changed("generator") {
		opts.Generator = f.generator.Value()
	}
	for _, def := range f.defines {
		if key, _, ok := strings.Cut(def, "="); !ok || key == "" {
			return opts, errors.New("invalid --define " + def + ": expected KEY=VALUE")
		}
	}

	return opts, nil
}

func defaultRunner(dryRun bool, out io.Writer) runner.Runner {
	if dryRun {
		return runner.DryRun{W: out}
	}
	return &runner.Exec{Stdout: out}
}

func newRootCmd(newRunner func(dryRun bool, out io.Writer) runner.Runner) *cobra.Command {
	f := &buildFlags{
		generator: NewEnumValue("Unix Makefiles", cmakeGenerators()),
	}

	cmd := &cobra.Command{
		Use:   "mbuild [flags]",
		Short: "Configure and build the project with CMake",
		Long: `Configure and build the project with CMake.

Without flags mbuild only builds an already configured tree:

    cmake --build build -- -j1

With --configure it first generates the build files for the Debug
(or, with --release, Release) build type.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return usageError{err}
			}
			cmd.SilenceUsage = true

			b, err := builder.NewBuilderInDirectory(opts, newRunner(f.dryRun, cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			return b.Build(cmd.Context())
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&f.configure, "configure", "c", false, "Tells CMake to configure the project before building it")
	flags.BoolVarP(&f.release, "release", "r", false, "Tells CMake to build in Release mode instead of Debug mode")
	flags.BoolVarP(&f.install, "install", "i", false, "Tells CMake to install the project after building it")
	flags.StringVarP(&f.threads, "threads", "t", "1", `Number of parallel build jobs, or "auto" for one per CPU`)
	flags.BoolVar(&f.example, "include-example", false, "Configures the build to include the example")
	flags.StringVarP(&f.source, "source", "S", ".", "Project source directory")
	flags.StringVarP(&f.buildDir, "build-dir", "B", "", `Build directory (default "build" inside the source directory)`)
	flags.VarP(&f.generator, "generator", "G", "CMake generator, one of "+f.generator.HelpString())
	flags.StringArrayVarP(&f.defines, "define", "D", nil, "Extra KEY=VALUE cache entry for the configure step (repeatable)")
	flags.BoolVarP(&f.dryRun, "dry-run", "n", false, "Print the commands instead of running them")
	cmd.RegisterFlagCompletionFunc("generator", f.generator.CompletionFunc())

	return cmd
}

var rootCmd = newRootCmd(defaultRunner)

// exitCode maps an error returned by the root command to a process exit status
func exitCode(err error) int {
	var uerr usageError
	if errors.As(err, &uerr) {
		return 2
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		msg.Error("%v", err)
		os.Exit(exitCode(err))
	}
}

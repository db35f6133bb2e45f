package builder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v6"
	"github.com/malunal/mbuild/internal/msg"
	"github.com/malunal/mbuild/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	invs []runner.Invocation
	fail string
}

func (r *recorder) Run(_ context.Context, inv runner.Invocation) error {
	r.invs = append(r.invs, inv)
	if inv.Name == r.fail {
		return &runner.ExitError{Name: inv.Name, Code: 1}
	}
	return nil
}

func captureMsg(t *testing.T) *bytes.Buffer {
	t.Helper()
	out := msg.Out
	noColor := color.NoColor
	buf := new(bytes.Buffer)
	msg.Out = buf
	color.NoColor = true
	t.Cleanup(func() {
		msg.Out = out
		color.NoColor = noColor
	})
	return buf
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.CMake.Binary = "cmake"
	return cfg
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		opts Options
		want [][]string
	}{
		{
			name: "build only",
			want: [][]string{
				{"--build", "build", "--", "-j1"},
			},
		},
		{
			name: "configure release",
			opts: Options{Configure: true, Release: true, Threads: "4"},
			want: [][]string{
				{"-G", "Unix Makefiles", "-DCMAKE_BUILD_TYPE=Release", "-S", ".", "-B", "build"},
				{"--build", "build", "--", "-j4"},
			},
		},
		{
			name: "configure debug with example and defines",
			cfg: func(c *Config) {
				c.CMake.Defines = map[string]string{"Z": "1", "A": "2"}
			},
			opts: Options{Configure: true, Example: true, Defines: []string{"EXTRA=x"}},
			want: [][]string{
				{
					"-G", "Unix Makefiles", "-DCMAKE_BUILD_TYPE=Debug",
					"-DMALUNAL_TOOLING_BUILD_EXAMPLE=ON", "-DA=2", "-DZ=1", "-DEXTRA=x",
					"-S", ".", "-B", "build",
				},
				{"--build", "build", "--", "-j1"},
			},
		},
		{
			name: "install with prefix",
			cfg: func(c *Config) {
				c.CMake.InstallPrefix = "/opt/malunal"
			},
			opts: Options{Install: true, Threads: "2"},
			want: [][]string{
				{"--build", "build", "--", "-j2"},
				{"--install", "build", "--prefix", "/opt/malunal"},
			},
		},
		{
			name: "visual studio",
			opts: Options{Configure: true, Install: true, Release: true, Generator: "Visual Studio 17 2022", Threads: "8"},
			want: [][]string{
				{"-G", "Visual Studio 17 2022", "-DCMAKE_BUILD_TYPE=Release", "-S", ".", "-B", "build"},
				{"--build", "build", "--config", "Release", "--parallel", "8"},
				{"--install", "build", "--config", "Release"},
			},
		},
		{
			name: "ninja multi-config",
			opts: Options{Generator: "Ninja Multi-Config"},
			want: [][]string{
				{"--build", "build", "--config", "Debug", "--", "-j1"},
			},
		},
		{
			name: "source and build dirs",
			cfg: func(c *Config) {
				c.CMake.BuildDir = "out"
			},
			opts: Options{Configure: true, SourceDir: "proj"},
			want: [][]string{
				{"-G", "Unix Makefiles", "-DCMAKE_BUILD_TYPE=Debug", "-S", "proj", "-B", filepath.Join("proj", "out")},
				{"--build", filepath.Join("proj", "out"), "--", "-j1"},
			},
		},
		{
			name: "build dir flag wins",
			cfg: func(c *Config) {
				c.CMake.BuildDir = "out"
			},
			opts: Options{SourceDir: "proj", BuildDir: "elsewhere"},
			want: [][]string{
				{"--build", "elsewhere", "--", "-j1"},
			},
		},
		{
			name: "manifest threads",
			cfg: func(c *Config) {
				c.CMake.Threads = int64(12)
			},
			want: [][]string{
				{"--build", "build", "--", "-j12"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			plan, err := NewBuilder(cfg, tt.opts, nil).Plan()
			require.NoError(t, err)

			got := make([][]string, len(plan))
			for i, inv := range plan {
				got[i] = inv.Args
				assert.Equal(t, "cmake", inv.Path)
				assert.Equal(t, map[string]string{runner.ColorEnv: "1"}, inv.Env)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanErrors(t *testing.T) {
	_, err := NewBuilder(testConfig(), Options{Threads: "zero"}, nil).Plan()
	assert.Error(t, err)

	_, err = NewBuilder(testConfig(), Options{Configure: true, Defines: []string{"=x"}}, nil).Plan()
	assert.Error(t, err)
}

func TestBuildRunsStepsInOrder(t *testing.T) {
	captureMsg(t)
	t.Chdir(t.TempDir())

	rec := &recorder{}
	b := NewBuilder(testConfig(), Options{Configure: true, Install: true}, rec)
	require.NoError(t, b.Build(context.Background()))

	names := make([]string, len(rec.invs))
	for i, inv := range rec.invs {
		names[i] = inv.Name
	}
	assert.Equal(t, []string{"configure", "build", "install"}, names)
}

func TestBuildStopsAtFirstFailure(t *testing.T) {
	captureMsg(t)
	t.Chdir(t.TempDir())

	rec := &recorder{fail: "configure"}
	b := NewBuilder(testConfig(), Options{Configure: true, Install: true}, rec)
	err := b.Build(context.Background())

	var exitErr *runner.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, "configure", exitErr.Name)
	assert.Len(t, rec.invs, 1)
}

func TestBuildWarnsWhenNotConfigured(t *testing.T) {
	log := captureMsg(t)
	t.Chdir(t.TempDir())

	require.NoError(t, NewBuilder(testConfig(), Options{}, &recorder{}).Build(context.Background()))
	assert.Contains(t, log.String(), "warn: build has not been configured yet, pass --configure")
}

func TestBuildAnnouncesConfigure(t *testing.T) {
	log := captureMsg(t)
	t.Chdir(t.TempDir())

	cfg := testConfig()
	cfg.Project.Name = "malunal-tooling"
	require.NoError(t, NewBuilder(cfg, Options{Configure: true, Release: true}, &recorder{}).Build(context.Background()))
	assert.Contains(t, log.String(), "info: configuring malunal-tooling (Release)")
}

func TestBuildAnnouncesConfigureInFreshRepository(t *testing.T) {
	log := captureMsg(t)
	dir := t.TempDir()
	t.Chdir(dir)
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, NewBuilder(testConfig(), Options{Configure: true}, &recorder{}).Build(context.Background()))
	assert.Contains(t, log.String(), "info: configuring")
	assert.NotContains(t, log.String(), "warn:")
}

func TestNewBuilderInDirectory(t *testing.T) {
	dir := t.TempDir()
	manifest := "[cmake]\nbinary = \"/usr/local/bin/cmake\"\n\n[cmake.example]\ndefines = { WITH_DEMO = \"ON\" }\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(manifest), 0o644))

	b, err := NewBuilderInDirectory(Options{SourceDir: dir, Configure: true, Example: true}, nil)
	require.NoError(t, err)

	plan, err := b.Plan()
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "/usr/local/bin/cmake", plan[0].Path)
	assert.Contains(t, plan[0].Args, "-DWITH_DEMO=ON")
	assert.Contains(t, plan[0].Args, "-DMALUNAL_TOOLING_BUILD_EXAMPLE=ON")
}

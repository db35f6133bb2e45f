package msg

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	noColor := color.NoColor
	out := Out
	color.NoColor = true
	buf := new(bytes.Buffer)
	Out = buf
	t.Cleanup(func() {
		color.NoColor = noColor
		Out = out
	})
	return buf
}

func TestPrefixes(t *testing.T) {
	buf := captureOutput(t)

	Info("configuring %s", "malunal-tooling")
	Warn("build tree %q is stale", "build")
	Error("exit %d", 3)

	assert.Equal(t,
		"info: configuring malunal-tooling\n"+
			"warn: build tree \"build\" is stale\n"+
			"error: exit 3\n",
		buf.String())
}

func TestCommand(t *testing.T) {
	buf := captureOutput(t)

	Command("configure", "cmake", []string{"-G", "Unix Makefiles", "-S", ".", "-B", "build"})

	assert.Equal(t, "  Running configure: cmake -G \"Unix Makefiles\" -S . -B build\n", buf.String())
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		path string
		args []string
		want string
	}{
		{"cmake", nil, "cmake"},
		{"cmake", []string{"--build", "build", "--", "-j4"}, "cmake --build build -- -j4"},
		{"/opt/my tools/cmake", []string{""}, `"/opt/my tools/cmake" ""`},
		{"cmake", []string{`-DNAME="x"`}, `cmake "-DNAME=\"x\""`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CommandLine(tt.path, tt.args))
	}
}

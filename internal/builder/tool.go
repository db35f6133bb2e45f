package builder

import (
	"os/exec"
)

// TODO: fall back to the cmake bundled with Visual Studio on windows
var commonCMakeNames = []string{"cmake", "cmake3"}

// findCMake returns the cmake binary to invoke. An explicit binary from the
// manifest wins; otherwise the first of commonCMakeNames on PATH is used, and
// plain "cmake" is returned when none is found so the start error names it.
func findCMake(binary string) string {
	if binary != "" {
		return binary
	}

	for _, name := range commonCMakeNames {
		path, err := exec.LookPath(name)
		if err == nil {
			return path
		}
	}

	return "cmake"
}

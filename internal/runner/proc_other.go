//go:build !unix

package runner

import "os/exec"

// setProcessGroup keeps the default Cancel, which kills only the direct
// child. WaitDelay still unblocks Run if descendants hold the pipe.
func setProcessGroup(*exec.Cmd) {}

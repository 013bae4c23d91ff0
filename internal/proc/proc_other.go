//go:build !linux

package proc

import "os/exec"

// Parent-death signals are Linux-only; elsewhere Stop is the only
// cleanup path.
func setSysProcAttr(cmd *exec.Cmd) {}

//go:build linux

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// The subprocess typically holds raw-socket privileges; tie its lifetime
// to ours so it cannot linger if the client dies without calling Stop.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
}

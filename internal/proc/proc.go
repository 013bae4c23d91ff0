// Package proc owns the mtr-packet subprocess: it launches the
// executable with its stdin and stdout wired as a duplex line channel,
// assembles complete newline-terminated lines from partial reads, and
// surfaces process exit as end-of-stream.
package proc

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EnvExecutable names the environment variable that overrides the probe
// executable path.
const EnvExecutable = "MTR_PACKET"

// DefaultExecutable is looked up on PATH when no override is given.
const DefaultExecutable = "mtr-packet"

// stopGrace is how long Stop waits for a voluntary exit after closing
// stdin before killing the process.
const stopGrace = 2 * time.Second

var execCommandFn = exec.Command

// Channel is the duplex line stream to one running subprocess. WriteLine
// and ReadLine may be used concurrently with each other, but writers
// must serialize among themselves; the dispatcher enforces that.
type Channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	log    *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// ResolveExecutable picks the probe executable to launch: an explicit
// override first, then the MTR_PACKET environment variable, then
// mtr-packet from PATH.
func ResolveExecutable(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv(EnvExecutable); env != "" {
		return env
	}
	return DefaultExecutable
}

// Start launches the executable, optionally under an argv prefix such as
// "ip netns exec myns", with its stdin and stdout as the command
// channel. Stderr is discarded.
func Start(executable string, prefix []string, log *slog.Logger) (*Channel, error) {
	argv := append(append([]string{}, prefix...), executable)
	cmd := execCommandFn(argv[0], argv[1:]...)
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "launching %s", executable)
	}
	log.Debug("probe process started", "executable", executable, "pid", cmd.Process.Pid)

	return &Channel{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		log:    log,
	}, nil
}

// WriteLine sends one command line, appending the terminator.
func (c *Channel) WriteLine(line string) error {
	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		return errors.Wrap(err, "writing command line")
	}
	return nil
}

// ReadLine blocks until a complete newline-terminated line is available
// and returns it without the terminator. It returns io.EOF once the
// process closes its output or exits; a trailing fragment with no
// terminator is never yielded.
func (c *Channel) ReadLine() (string, error) {
	line, err := c.stdout.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return "", io.EOF
		}
		return "", errors.Wrap(err, "reading reply line")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Stop closes the command stream and reaps the subprocess, killing it if
// it does not exit promptly. Safe to call more than once and tolerant of
// a process that already exited.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop()
	})
	return c.stopErr
}

func (c *Channel) stop() error {
	if err := c.stdin.Close(); err != nil {
		c.log.Debug("closing stdin", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.cmd.Wait()
	}()

	select {
	case err := <-done:
		// A non-zero exit here is expected: the process was told to go.
		c.log.Debug("probe process exited", "error", err)
	case <-time.After(stopGrace):
		if err := c.cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "killing probe process")
		}
		<-done
	}
	return nil
}

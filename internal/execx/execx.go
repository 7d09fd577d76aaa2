package execx

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so packages can be unit-tested without
// touching real system networking (ip/wg/wg-quick).
type Runner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) (string, error)
}

// CommandError is returned when a command exits non-zero. It carries the
// exit code and captured stderr so callers can classify tunnel toolchain
// failures instead of matching on error strings.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Name, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return wrapExit(name, args, err, stderr.String())
	}
	return nil
}

func (r *OSRunner) Output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", wrapExit(name, args, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapExit(name string, args []string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr,
		}
	}
	if stderr != "" {
		return fmt.Errorf("%s: %w: %s", name, err, stderr)
	}
	return fmt.Errorf("%s: %w", name, err)
}

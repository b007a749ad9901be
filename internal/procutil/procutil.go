// Package procutil provides small helpers for invoking external tools and
// checking their results, matching the error-wrapping idiom used throughout
// this repository.
package procutil

import (
	"os/exec"

	"golang.org/x/xerrors"
)

// Run executes cmd and wraps a non-zero exit (or spawn failure) with the
// command line for easier debugging.
func Run(cmd *exec.Cmd) error {
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

// Output executes cmd, captures stdout, and wraps a non-zero exit the same
// way Run does.
func Output(cmd *exec.Cmd) ([]byte, error) {
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, xerrors.Errorf("%v: %w (stderr: %s)", cmd.Args, err, ee.Stderr)
		}
		return nil, xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return out, nil
}

// Package shellutil quotes and runs shell commands locally or on a remote host.
package shellutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a shell command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// LocalRunner runs commands with bash on this host.
type LocalRunner struct {
	Env []string
}

func (r LocalRunner) Run(ctx context.Context, cmd string) (string, error) {
	c := exec.CommandContext(ctx, "bash", "-lc", cmd)
	if len(r.Env) > 0 {
		c.Env = append(c.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.String(), fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// LoginShell wraps cmd for bash -lc.
func LoginShell(cmd string) string {
	return "bash -lc " + Quote(cmd)
}

// Quote single-quotes s for POSIX shells unless it is made only of safe characters.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, unsafeRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:@", r):
		return false
	}
	return true
}

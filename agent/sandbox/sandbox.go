// Package sandbox defines the isolated workspace an agent's tools operate
// in: a working directory, file I/O confined to it, and command execution.
// A sandbox is owned by exactly one agent and disposed with it.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

type (
	// Sandbox is the workspace contract tools consume.
	Sandbox interface {
		// WorkingDirectory returns the absolute sandbox root.
		WorkingDirectory() string
		// ReadFile reads a file by sandbox-relative path.
		ReadFile(ctx context.Context, path string) ([]byte, error)
		// WriteFile writes a file by sandbox-relative path, creating parent
		// directories as needed.
		WriteFile(ctx context.Context, path string, data []byte) error
		// ListFiles returns the sandbox-relative paths of files under dir.
		ListFiles(ctx context.Context, dir string) ([]string, error)
		// Exec runs a command inside the sandbox, honoring ctx cancellation.
		Exec(ctx context.Context, name string, args ...string) (ExecResult, error)
		// Close releases the sandbox.
		Close() error
	}

	// ExecResult is the outcome of a sandboxed command.
	ExecResult struct {
		// Stdout is the captured standard output.
		Stdout string
		// Stderr is the captured standard error.
		Stderr string
		// ExitCode is the process exit code, -1 when the process never ran.
		ExitCode int
	}

	// Local is a Sandbox rooted at a host directory. Paths are confined to
	// the root; escapes via ".." or absolute paths are rejected.
	Local struct {
		root    string
		cleanup bool
	}
)

// NewLocal constructs a sandbox rooted at dir. An empty dir allocates a
// temporary directory removed on Close.
func NewLocal(dir string) (*Local, error) {
	cleanup := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "agent-sandbox-")
		if err != nil {
			return nil, fmt.Errorf("sandbox: create workspace: %w", err)
		}
		dir = tmp
		cleanup = true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	return &Local{root: abs, cleanup: cleanup}, nil
}

// WorkingDirectory implements Sandbox.
func (l *Local) WorkingDirectory() string { return l.root }

// ReadFile implements Sandbox.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile implements Sandbox.
func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// ListFiles implements Sandbox.
func (l *Local) ListFiles(_ context.Context, dir string) ([]string, error) {
	abs, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Exec implements Sandbox. The command runs with the sandbox root as its
// working directory. A non-zero exit is reported in ExecResult, not as an
// error; errors mean the process could not run at all.
func (l *Local) Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = l.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil
		}
		return res, fmt.Errorf("sandbox: exec %s: %w", name, err)
	}
	return res, nil
}

// Close implements Sandbox. Temporary workspaces are removed.
func (l *Local) Close() error {
	if l.cleanup {
		return os.RemoveAll(l.root)
	}
	return nil
}

func (l *Local) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("sandbox: absolute path %q not allowed", path)
	}
	abs := filepath.Clean(filepath.Join(l.root, path))
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: path %q escapes the workspace", path)
	}
	return abs, nil
}

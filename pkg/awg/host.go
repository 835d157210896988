// Package awg manages an AmneziaWG/WireGuard daemon: its server config, the
// companion client list, its runtime peer table and key generation.
package awg

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"awg-keeper/pkg/executor"
)

// Host is the environment the daemon runs in.
type Host interface {
	// Run executes a shell command line next to the daemon.
	Run(ctx context.Context, command string) executor.Result
	// ReadFile returns the whole file. A missing file yields an error
	// wrapping fs.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// InstallFile replaces path with data atomically: the new content is
	// written to a temporary file first and renamed into place, so a failure
	// leaves the previous content intact.
	InstallFile(ctx context.Context, path string, data []byte) error
}

const missingExit = 44

// ContainerHost reaches the daemon through docker exec/cp.
type ContainerHost struct {
	Exec      executor.Executor
	Container string
	// TempDir holds local staging files; empty means os.TempDir().
	TempDir string
}

func NewContainerHost(ex executor.Executor, container string) *ContainerHost {
	return &ContainerHost{Exec: ex, Container: container}
}

func (h *ContainerHost) Run(ctx context.Context, command string) executor.Result {
	return h.Exec.Execute(ctx, fmt.Sprintf("docker exec %s sh -c %s", h.Container, executor.Quote(command)))
}

func (h *ContainerHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	p := executor.Quote(path)
	res := h.Run(ctx, fmt.Sprintf("if [ -e %s ]; then cat %s; else exit %d; fi", p, p, missingExit))
	if res.ExitCode == missingExit {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return []byte(res.Raw), nil
}

func (h *ContainerHost) InstallFile(ctx context.Context, path string, data []byte) error {
	local, err := os.CreateTemp(h.TempDir, "awg-keeper-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	defer os.Remove(local.Name())
	if _, err := local.Write(data); err != nil {
		local.Close()
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := local.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}

	tmp := path + ".tmp-" + uuid.NewString()[:8]
	cp := h.Exec.Execute(ctx, fmt.Sprintf("docker cp %s %s:%s", executor.Quote(local.Name()), h.Container, executor.Quote(tmp)))
	if err := cp.Err(); err != nil {
		return fmt.Errorf("copy %s into %s: %w", path, h.Container, err)
	}
	mv := h.Run(ctx, fmt.Sprintf("mv -f %s %s", executor.Quote(tmp), executor.Quote(path)))
	if err := mv.Err(); err != nil {
		h.Run(ctx, "rm -f "+executor.Quote(tmp))
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}

// LocalHost manages a daemon running on this machine.
type LocalHost struct {
	Exec executor.Executor
	// rename is swappable so tests can simulate a crash before the rename.
	rename func(oldpath, newpath string) error
}

func NewLocalHost(ex executor.Executor) *LocalHost {
	return &LocalHost{Exec: ex, rename: os.Rename}
}

func (h *LocalHost) Run(ctx context.Context, command string) executor.Result {
	return h.Exec.Execute(ctx, command)
}

func (h *LocalHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (h *LocalHost) InstallFile(_ context.Context, path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	mode := os.FileMode(0o600)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("install %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("install %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("install %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		cleanup()
		return fmt.Errorf("install %s: %w", path, err)
	}
	rename := h.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(tmp.Name(), path); err != nil {
		cleanup()
		return fmt.Errorf("install %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

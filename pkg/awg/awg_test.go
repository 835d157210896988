package awg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"awg-keeper/pkg/executor"
	"awg-keeper/pkg/executor/executortest"
)

// memHost keeps files in memory and answers commands through a Fake.
type memHost struct {
	mu         sync.Mutex
	files      map[string][]byte
	exec       *executortest.Fake
	failWrites map[string]error
	writes     int
}

func newMemHost() *memHost {
	return &memHost{
		files:      map[string][]byte{},
		exec:       &executortest.Fake{},
		failWrites: map[string]error{},
	}
}

func (h *memHost) Run(ctx context.Context, command string) executor.Result {
	return h.exec.Execute(ctx, command)
}

func (h *memHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (h *memHost) InstallFile(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failWrites[path]; err != nil {
		return err
	}
	h.writes++
	h.files[path] = append([]byte(nil), data...)
	return nil
}

func (h *memHost) set(path, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = []byte(content)
}

func (h *memHost) get(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.files[path])
}

var errDisk = errors.New("disk full")

func reloadCount(h *memHost) int {
	n := 0
	for _, c := range h.exec.Calls() {
		if strings.Contains(c, "wg syncconf") || strings.Contains(c, "wg setconf") {
			n++
		}
	}
	return n
}

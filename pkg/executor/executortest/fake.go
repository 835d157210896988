// Package executortest provides a scripted Executor for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"awg-keeper/pkg/executor"
)

type rule struct {
	match string
	fn    func(command string) executor.Result
}

// Fake answers command lines from registered rules. The first rule whose
// match string is contained in the command wins; unmatched commands succeed
// with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []string
}

// On registers a fixed result for commands containing match.
func (f *Fake) On(match string, res executor.Result) *Fake {
	return f.OnFunc(match, func(string) executor.Result { return res })
}

// OnFunc registers a dynamic result for commands containing match.
func (f *Fake) OnFunc(match string, fn func(command string) executor.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: match, fn: fn})
	return f
}

func (f *Fake) Execute(_ context.Context, command string) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	rules := append([]rule(nil), f.rules...)
	f.mu.Unlock()
	for _, r := range rules {
		if strings.Contains(command, r.match) {
			res := r.fn(command)
			res.Command = command
			return res
		}
	}
	return executor.Result{Command: command}
}

// Calls returns every command line executed so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many executed commands contain match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// Fail is a shorthand for a failed result.
func Fail(code int, stderr string) executor.Result {
	return executor.Result{ExitCode: code, Stderr: stderr}
}

// Out is a shorthand for a successful result with output.
func Out(stdout string) executor.Result {
	return executor.Result{Stdout: strings.TrimSpace(stdout), Raw: stdout}
}

package toolexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Handler simulates one tool. It may write files to emulate tool output.
type Handler func(ctx context.Context, cmd Command) (Result, error)

// Fake is an in-memory Runner for tests. Tools not registered are reported
// missing from PATH.
type Fake struct {
	mu       sync.Mutex
	tools    map[string]Handler
	commands []Command
}

// NewFake returns a Fake with no tools installed.
func NewFake() *Fake {
	return &Fake{tools: map[string]Handler{}}
}

// Install registers a tool. A nil handler succeeds with empty output.
func (f *Fake) Install(name string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		h = func(context.Context, Command) (Result, error) { return Result{}, nil }
	}
	f.tools[name] = h
	return f
}

// LookPath reports installed tools at a fake location.
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tools[name]; !ok {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/fake/bin/" + name, nil
}

// Run records cmd and dispatches to the installed handler.
func (f *Fake) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	h, ok := f.tools[cmd.Name]
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", cmd.Name, &exec.Error{Name: cmd.Name, Err: exec.ErrNotFound})
	}
	return h(ctx, cmd)
}

// Commands returns every command run so far.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Ran reports whether a command line starting with prefix was run.
func (f *Fake) Ran(prefix string) bool {
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd.String(), prefix) {
			return true
		}
	}
	return false
}

// Package lifecycle tracks timers and child processes owned by a session so
// that a full reset can release every external resource in one sweep, even
// when the component that created it has already been torn down.
package lifecycle

import (
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Registry tracks live timers and child processes. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	cmds   map[*exec.Cmd]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		timers: make(map[*time.Timer]struct{}),
		cmds:   make(map[*exec.Cmd]struct{}),
	}
}

// AfterFunc arms a tracked timer. The timer untracks itself when it fires.
func (r *Registry) AfterFunc(d time.Duration, fn func()) *time.Timer {
	var t *time.Timer
	r.mu.Lock()
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, t)
		r.mu.Unlock()
		fn()
	})
	r.timers[t] = struct{}{}
	r.mu.Unlock()
	return t
}

// StopTimer stops and untracks t. Safe to call for timers that already
// fired or were never tracked.
func (r *Registry) StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	r.mu.Lock()
	delete(r.timers, t)
	r.mu.Unlock()
}

// TrackCommand registers a started child process for sweep on ReleaseAll.
func (r *Registry) TrackCommand(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	r.mu.Lock()
	r.cmds[cmd] = struct{}{}
	r.mu.Unlock()
}

// UntrackCommand removes a process that exited or was stopped by its owner.
func (r *Registry) UntrackCommand(cmd *exec.Cmd) {
	r.mu.Lock()
	delete(r.cmds, cmd)
	r.mu.Unlock()
}

// ReleaseAll stops every tracked timer and kills every tracked process.
// Used on full session reset and at shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	timers := make([]*time.Timer, 0, len(r.timers))
	for t := range r.timers {
		timers = append(timers, t)
	}
	cmds := make([]*exec.Cmd, 0, len(r.cmds))
	for c := range r.cmds {
		cmds = append(cmds, c)
	}
	r.timers = make(map[*time.Timer]struct{})
	r.cmds = make(map[*exec.Cmd]struct{})
	r.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, c := range cmds {
		if c.Process == nil {
			continue
		}
		if err := c.Process.Kill(); err != nil {
			slog.Debug("kill tracked process", "pid", c.Process.Pid, "error", err)
		}
	}
}

// Counts returns the number of tracked timers and processes.
func (r *Registry) Counts() (timers, processes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers), len(r.cmds)
}

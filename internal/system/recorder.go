package system

import (
	"context"
	"strings"
	"sync"
)

// RecordingRunner is a Runner that records commands instead of
// executing them.  Responses maps a command line prefix to its stdout;
// Failures maps a prefix to the error returned.
type RecordingRunner struct {
	mu        sync.Mutex
	Commands  []string
	Responses map[string]string
	Failures  map[string]error
	procs     []*fakeProcess
}

// NewRecordingRunner returns an empty recorder.
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{
		Responses: map[string]string{},
		Failures:  map[string]error{},
	}
}

func (r *RecordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, line)
	for prefix, err := range r.Failures {
		if strings.HasPrefix(line, prefix) {
			return nil, err
		}
	}
	for prefix, out := range r.Responses {
		if strings.HasPrefix(line, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (r *RecordingRunner) Start(name string, args ...string) (Process, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, "start "+line)
	for prefix, err := range r.Failures {
		if strings.HasPrefix("start "+line, prefix) {
			return nil, err
		}
	}
	p := &fakeProcess{alive: true}
	r.procs = append(r.procs, p)
	return p, nil
}

// Lines returns a copy of the recorded command lines.
func (r *RecordingRunner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Commands...)
}

// Count returns how many recorded lines start with prefix.
func (r *RecordingRunner) Count(prefix string) int {
	n := 0
	for _, l := range r.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// Alive returns how many started processes have not been stopped.
func (r *RecordingRunner) Alive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands.
func (r *RecordingRunner) Reset() {
	r.mu.Lock()
	r.Commands = nil
	r.mu.Unlock()
}

type fakeProcess struct {
	mu    sync.Mutex
	alive bool
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

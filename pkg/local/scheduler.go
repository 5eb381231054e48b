// Package local runs stage jobs as shell subprocesses on this machine.
// It stands in for a cluster scheduler on workstations and in tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"go.uber.org/zap"
)

// DefaultTailBytes is how much combined output is kept per job for the
// failure detail.
const DefaultTailBytes = 4096

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithShell sets the interpreter used to run scripts. Default "sh".
func WithShell(shell string) Option {
	return func(s *Scheduler) {
		if shell != "" {
			s.shell = shell
		}
	}
}

// WithEnv appends environment variables to every job.
func WithEnv(env ...string) Option {
	return func(s *Scheduler) { s.env = append(s.env, env...) }
}

// WithTailBytes bounds the output retained per job.
func WithTailBytes(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.tailBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type process struct {
	cmd      *exec.Cmd
	output   *tail
	done     chan struct{}
	status   job.Status
	started  time.Time
	finished time.Time
}

// Scheduler implements job.Scheduler with local processes. Jobs are not
// bound to the submitting context: like cluster jobs they keep running
// when a run is cancelled, until Close.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[string]*process
	shell     string
	env       []string
	tailBytes int
	closed    bool
	logger    *zap.Logger
}

var _ job.Scheduler = (*Scheduler)(nil)

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:      make(map[string]*process),
		shell:     "sh",
		tailBytes: DefaultTailBytes,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit starts spec.Script in spec.WorkDir and returns a generated id.
func (s *Scheduler) Submit(ctx context.Context, spec job.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if spec.WorkDir != "" {
		info, err := os.Stat(spec.WorkDir)
		if err != nil {
			return "", fmt.Errorf("workdir: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workdir %s is not a directory", spec.WorkDir)
		}
	}

	id := uuid.NewString()
	out := newTail(s.tailBytes)
	cmd := exec.Command(s.shell, "-c", spec.Script)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, "SUBTIMIZER_JOB_ID="+id, "SUBTIMIZER_JOB_NAME="+spec.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("local scheduler is closed")
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &process{
		cmd:     cmd,
		output:  out,
		done:    make(chan struct{}),
		status:  job.Status{State: job.StateRunning, Detail: fmt.Sprintf("pid %d", cmd.Process.Pid)},
		started: time.Now(),
	}
	s.jobs[id] = p
	go s.wait(id, spec.Name, p)

	s.logger.Debug("Started local job",
		zap.String("jobID", id),
		zap.String("name", spec.Name),
		zap.Int("pid", cmd.Process.Pid))
	return id, nil
}

func (s *Scheduler) wait(id, name string, p *process) {
	err := p.cmd.Wait()

	st := job.Status{State: job.StateSucceeded, Detail: "exit status 0"}
	if err != nil {
		st = job.Status{State: job.StateFailed, Detail: err.Error()}
		if last := p.output.LastLine(); last != "" {
			st.Detail += ": " + last
		}
	}

	s.mu.Lock()
	p.status = st
	p.finished = time.Now()
	s.mu.Unlock()
	close(p.done)

	s.logger.Debug("Local job finished",
		zap.String("jobID", id),
		zap.String("name", name),
		zap.Stringer("state", st.State),
		zap.Duration("duration", p.finished.Sub(p.started)))
}

// Status reports the job's state. Ids this scheduler never issued, such
// as those left by an earlier process, are failed.
func (s *Scheduler) Status(_ context.Context, id string) (job.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobs[id]
	if !ok {
		return job.Status{State: job.StateFailed, Detail: "unknown local job " + id}, nil
	}
	return p.status, nil
}

// Output returns the retained tail of a job's combined output.
func (s *Scheduler) Output(id string) (string, bool) {
	s.mu.Lock()
	p, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return p.output.String(), true
}

// Close kills running jobs and waits for them to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	var running []*process
	for _, p := range s.jobs {
		if !p.status.State.Terminal() {
			running = append(running, p)
		}
	}
	s.mu.Unlock()

	for _, p := range running {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("Failed to kill local job", zap.Int("pid", p.cmd.Process.Pid), zap.Error(err))
		}
	}
	for _, p := range running {
		<-p.done
	}
	return nil
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// LastLine returns the last non-empty output line.
func (t *tail) LastLine() string {
	lines := strings.Split(strings.TrimSpace(t.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Package slurm submits jobs with sbatch and tracks them with sacct.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"go.uber.org/zap"
)

// CommandRunner runs name with args, feeding stdin, and returns stdout.
type CommandRunner func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

// ExecRunner runs commands as local subprocesses.
func ExecRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// DefaultStatusTTL is how long a non-terminal status is served from cache.
const DefaultStatusTTL = 15 * time.Second

// Option customizes a Client.
type Option func(*Client)

// WithCommandRunner replaces subprocess execution.
func WithCommandRunner(run CommandRunner) Option {
	return func(c *Client) {
		if run != nil {
			c.run = run
		}
	}
}

// WithStatusTTL sets how long non-terminal statuses are cached. Zero
// disables caching of non-terminal statuses.
func WithStatusTTL(ttl time.Duration) Option {
	return func(c *Client) { c.statusTTL = ttl }
}

// WithBinaries overrides the sbatch and sacct executables.
func WithBinaries(sbatch, sacct string) Option {
	return func(c *Client) {
		if sbatch != "" {
			c.sbatch = sbatch
		}
		if sacct != "" {
			c.sacct = sacct
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements job.Scheduler for SLURM. Many slots polling at once
// share one status cache so sacct is not queried more than once per TTL
// per job.
type Client struct {
	run       CommandRunner
	sbatch    string
	sacct     string
	statusTTL time.Duration
	cache     *ttlcache.Cache[string, job.Status]
	logger    *zap.Logger
}

var _ job.Scheduler = (*Client)(nil)

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		run:       ExecRunner,
		sbatch:    "sbatch",
		sacct:     "sacct",
		statusTTL: DefaultStatusTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = ttlcache.New[string, job.Status](
		ttlcache.WithDisableTouchOnHit[string, job.Status](),
	)
	return c
}

// submitArgs builds the sbatch command line for spec.
func submitArgs(spec job.Spec) []string {
	args := []string{"--parsable"}
	if spec.Name != "" {
		args = append(args, "--job-name="+spec.Name, "--output="+spec.Name+"-%j.out")
	}
	if spec.WorkDir != "" {
		args = append(args, "--chdir="+spec.WorkDir)
	}
	r := spec.Resources
	if r.Partition != "" {
		args = append(args, "--partition="+r.Partition)
	}
	if r.Time != "" {
		args = append(args, "--time="+r.Time)
	}
	if r.CPUs > 0 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(r.CPUs))
	}
	if r.GPUs > 0 {
		args = append(args, "--gres=gpu:"+strconv.Itoa(r.GPUs))
	}
	if r.Memory != "" {
		args = append(args, "--mem="+r.Memory)
	}
	if r.Account != "" {
		args = append(args, "--account="+r.Account)
	}
	return args
}

// Submit passes the script to sbatch on stdin and returns the job id.
func (c *Client) Submit(ctx context.Context, spec job.Spec) (string, error) {
	script := spec.Script
	if !strings.HasPrefix(script, "#!") {
		script = "#!/bin/bash\n" + script
	}
	out, err := c.run(ctx, script, c.sbatch, submitArgs(spec)...)
	if err != nil {
		return "", err
	}
	// --parsable prints "<id>" or "<id>;<cluster>".
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return "", fmt.Errorf("sbatch returned no job id")
	}
	if _, err := strconv.ParseUint(strings.SplitN(id, "_", 2)[0], 10, 64); err != nil {
		return "", fmt.Errorf("sbatch returned unexpected output %q", strings.TrimSpace(string(out)))
	}
	c.logger.Debug("Submitted SLURM job", zap.String("name", spec.Name), zap.String("jobID", id))
	return id, nil
}

// Status reports the job state from sacct. Jobs not yet visible to
// accounting are pending.
func (c *Client) Status(ctx context.Context, id string) (job.Status, error) {
	if item := c.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	out, err := c.run(ctx, "", c.sacct, "-n", "-X", "-P", "-j", id, "-o", "State,ExitCode")
	if err != nil {
		return job.Status{}, err
	}
	st := parseSacct(out)

	switch {
	case st.State.Terminal():
		c.cache.Set(id, st, ttlcache.NoTTL)
	case c.statusTTL > 0:
		c.cache.Set(id, st, c.statusTTL)
	}
	return st, nil
}

// parseSacct reads the first non-empty "STATE|EXIT" line.
func parseSacct(out []byte) job.Status {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		state := fields[0]
		exit := ""
		if len(fields) > 1 {
			exit = fields[1]
		}
		return MapState(state, exit)
	}
	return job.Status{State: job.StatePending}
}

// MapState converts a SLURM state (e.g. "CANCELLED by 1000") and exit code
// into a job status.
func MapState(state, exitCode string) job.Status {
	name := strings.ToUpper(strings.TrimSpace(state))
	if i := strings.IndexAny(name, " +"); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "", "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_FED", "REQUEUE_HOLD", "RESV_DEL_HOLD":
		return job.Status{State: job.StatePending, Detail: name}
	case "RUNNING", "COMPLETING", "SUSPENDED", "STAGE_OUT", "SIGNALING", "RESIZING", "STOPPED":
		return job.Status{State: job.StateRunning, Detail: name}
	case "COMPLETED":
		return job.Status{State: job.StateSucceeded, Detail: name}
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "REVOKED":
		detail := name
		if exitCode != "" {
			detail = fmt.Sprintf("%s exit=%s", name, exitCode)
		}
		return job.Status{State: job.StateFailed, Detail: detail}
	}
	return job.Status{State: job.StatePending, Detail: "unrecognized state " + name}
}

package slurm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/subtimizer/pkg/job"
)

type call struct {
	stdin string
	name  string
	args  []string
}

type fakeCluster struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]string
	err     error
}

func (f *fakeCluster) run(_ context.Context, stdin string, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{stdin: stdin, name: name, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.replies[name]), nil
}

func (f *fakeCluster) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func TestSubmitBuildsSbatchCommand(t *testing.T) {
	cluster := &fakeCluster{replies: map[string]string{"sbatch": "4242;hpc\n"}}
	c := New(WithCommandRunner(cluster.run))

	id, err := c.Submit(context.Background(), job.Spec{
		Name:    "fold-A",
		WorkDir: "A/AFcomplex",
		Script:  "colabfold_batch A.fasta .\n",
		Resources: job.Resources{
			Partition: "gpu",
			Time:      "24:00:00",
			CPUs:      8,
			GPUs:      1,
			Memory:    "32G",
			Account:   "lab",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	require.Len(t, cluster.calls, 1)
	got := cluster.calls[0]
	assert.Equal(t, "sbatch", got.name)
	assert.Equal(t, []string{
		"--parsable",
		"--job-name=fold-A",
		"--output=fold-A-%j.out",
		"--chdir=A/AFcomplex",
		"--partition=gpu",
		"--time=24:00:00",
		"--cpus-per-task=8",
		"--gres=gpu:1",
		"--mem=32G",
		"--account=lab",
	}, got.args)
	assert.True(t, strings.HasPrefix(got.stdin, "#!/bin/bash\n"))
	assert.Contains(t, got.stdin, "colabfold_batch A.fasta")
}

func TestSubmitErrors(t *testing.T) {
	cluster := &fakeCluster{err: errors.New("sbatch: error: invalid partition")}
	c := New(WithCommandRunner(cluster.run))
	_, err := c.Submit(context.Background(), job.Spec{Script: "true"})
	assert.ErrorContains(t, err, "invalid partition")

	cluster = &fakeCluster{replies: map[string]string{"sbatch": ""}}
	c = New(WithCommandRunner(cluster.run))
	_, err = c.Submit(context.Background(), job.Spec{Script: "#!/bin/sh\ntrue"})
	assert.Error(t, err)
	assert.Equal(t, "#!/bin/sh\ntrue", cluster.calls[0].stdin)

	cluster = &fakeCluster{replies: map[string]string{"sbatch": "Submitted batch job 12"}}
	c = New(WithCommandRunner(cluster.run))
	_, err = c.Submit(context.Background(), job.Spec{Script: "true"})
	assert.ErrorContains(t, err, "unexpected output")
}

func TestStatusQueriesSacct(t *testing.T) {
	cluster := &fakeCluster{replies: map[string]string{"sacct": "RUNNING|0:0\n"}}
	c := New(WithCommandRunner(cluster.run), WithBinaries("", "/opt/slurm/bin/sacct"))

	st, err := c.Status(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, st.State)
	assert.Equal(t, []string{"-n", "-X", "-P", "-j", "77", "-o", "State,ExitCode"}, cluster.calls[0].args)
	assert.Equal(t, "/opt/slurm/bin/sacct", cluster.calls[0].name)
}

func TestStatusCaching(t *testing.T) {
	cluster := &fakeCluster{replies: map[string]string{"sacct": "PENDING|0:0"}}
	c := New(WithCommandRunner(cluster.run), WithStatusTTL(20*time.Millisecond))
	ctx := context.Background()

	_, err := c.Status(ctx, "1")
	require.NoError(t, err)
	_, err = c.Status(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.count("sacct"), "second poll served from cache")

	time.Sleep(30 * time.Millisecond)
	cluster.mu.Lock()
	cluster.replies["sacct"] = "COMPLETED|0:0"
	cluster.mu.Unlock()

	st, err := c.Status(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, st.State)
	assert.Equal(t, 2, cluster.count("sacct"))

	// Terminal statuses never expire.
	time.Sleep(30 * time.Millisecond)
	st, err = c.Status(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, st.State)
	assert.Equal(t, 2, cluster.count("sacct"))
}

func TestStatusErrorsAreNotCached(t *testing.T) {
	cluster := &fakeCluster{err: errors.New("sacct: error: slurmdbd unreachable")}
	c := New(WithCommandRunner(cluster.run))

	_, err := c.Status(context.Background(), "5")
	require.Error(t, err)

	cluster.mu.Lock()
	cluster.err = nil
	cluster.replies = map[string]string{"sacct": "FAILED|1:0"}
	cluster.mu.Unlock()

	st, err := c.Status(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, st.State)
	assert.Equal(t, "FAILED exit=1:0", st.Detail)
}

func TestParseSacctEmptyIsPending(t *testing.T) {
	assert.Equal(t, job.StatePending, parseSacct(nil).State)
	assert.Equal(t, job.StatePending, parseSacct([]byte("\n\n")).State)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		state, exit string
		want        job.State
		detail      string
	}{
		{"PENDING", "0:0", job.StatePending, "PENDING"},
		{"CONFIGURING", "", job.StatePending, "CONFIGURING"},
		{"RUNNING", "0:0", job.StateRunning, "RUNNING"},
		{"COMPLETING", "0:0", job.StateRunning, "COMPLETING"},
		{"COMPLETED", "0:0", job.StateSucceeded, "COMPLETED"},
		{"FAILED", "1:0", job.StateFailed, "FAILED exit=1:0"},
		{"CANCELLED by 1000", "0:15", job.StateFailed, "CANCELLED exit=0:15"},
		{"TIMEOUT", "0:0", job.StateFailed, "TIMEOUT exit=0:0"},
		{"OUT_OF_MEMORY", "0:125", job.StateFailed, "OUT_OF_MEMORY exit=0:125"},
		{"NODE_FAIL", "", job.StateFailed, "NODE_FAIL"},
		{"cancelled+", "0:0", job.StateFailed, "CANCELLED exit=0:0"},
		{"", "", job.StatePending, ""},
		{"SOMETHING_NEW", "", job.StatePending, "unrecognized state SOMETHING_NEW"},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			got := MapState(tt.state, tt.exit)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.detail, got.Detail)
		})
	}
}

func TestExecRunnerReportsStderr(t *testing.T) {
	_, err := ExecRunner(context.Background(), "", "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	out, err := ExecRunner(context.Background(), "hello", "cat")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

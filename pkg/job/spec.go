package job

import "context"

// Resources are the scheduler resource requests of one job. Zero values
// leave the scheduler default in place.
type Resources struct {
	Partition string `yaml:"partition,omitempty"`
	Time      string `yaml:"time,omitempty"`
	CPUs      int    `yaml:"cpus,omitempty"`
	GPUs      int    `yaml:"gpus,omitempty"`
	Memory    string `yaml:"memory,omitempty"`
	Account   string `yaml:"account,omitempty"`
}

// Merge returns r with empty fields filled from defaults.
func (r Resources) Merge(defaults Resources) Resources {
	if r.Partition == "" {
		r.Partition = defaults.Partition
	}
	if r.Time == "" {
		r.Time = defaults.Time
	}
	if r.CPUs == 0 {
		r.CPUs = defaults.CPUs
	}
	if r.GPUs == 0 {
		r.GPUs = defaults.GPUs
	}
	if r.Memory == "" {
		r.Memory = defaults.Memory
	}
	if r.Account == "" {
		r.Account = defaults.Account
	}
	return r
}

// Spec is a rendered, scheduler-independent job request.
type Spec struct {
	Name      string
	WorkDir   string
	Script    string
	Resources Resources
}

// Scheduler accepts job submissions and reports their status.
type Scheduler interface {
	Tracker
	// Submit hands spec to the scheduler and returns its job id. An error
	// means the submission was not accepted.
	Submit(ctx context.Context, spec Spec) (string, error)
}

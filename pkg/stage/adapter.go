package stage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/zap"
)

// ScriptData is the template input for one work item.
type ScriptData struct {
	Item      workitem.Item
	Stage     string
	JobName   string
	WorkDir   string
	Resources job.Resources
	Params    map[string]string
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithParams overrides definition params. Empty values are ignored so
// unset flags keep the stage default.
func WithParams(params map[string]string) AdapterOption {
	return func(a *Adapter) {
		for k, v := range params {
			if v != "" {
				a.params[k] = v
			}
		}
	}
}

// WithHandleOptions passes options to every handle the adapter creates.
func WithHandleOptions(opts ...job.Option) AdapterOption {
	return func(a *Adapter) { a.handleOpts = append(a.handleOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter launches one stage's jobs through a scheduler. It is safe for
// concurrent use.
type Adapter struct {
	def        Definition
	scheduler  job.Scheduler
	script     *template.Template
	workDir    *template.Template
	params     map[string]string
	handleOpts []job.Option
	logger     *zap.Logger
}

// NewAdapter compiles def's templates and checks required params by
// rendering a probe item.
func NewAdapter(def Definition, scheduler job.Scheduler, opts ...AdapterOption) (*Adapter, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("stage %s: scheduler cannot be nil", def.Name)
	}
	if strings.TrimSpace(def.Script) == "" {
		return nil, fmt.Errorf("stage %s: script is empty", def.Name)
	}

	a := &Adapter{
		def:       def,
		scheduler: scheduler,
		params:    make(map[string]string, len(def.Params)),
		logger:    zap.NewNop(),
	}
	for k, v := range def.Params {
		a.params[k] = v
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.script, err = template.New(def.Name + "-script").Option("missingkey=error").Parse(def.Script); err != nil {
		return nil, fmt.Errorf("stage %s: parse script: %w", def.Name, err)
	}
	if a.workDir, err = template.New(def.Name + "-workdir").Option("missingkey=error").Parse(def.WorkDir); err != nil {
		return nil, fmt.Errorf("stage %s: parse workdir: %w", def.Name, err)
	}
	for _, key := range def.Required {
		if a.params[key] == "" {
			return nil, fmt.Errorf("stage %s: parameter %q is required", def.Name, key)
		}
	}
	if _, err := a.Render(workitem.Item{Index: 1, Name: "probe"}); err != nil {
		return nil, err
	}
	return a, nil
}

// Name returns the stage name.
func (a *Adapter) Name() string {
	return a.def.Name
}

// Definition returns the stage definition the adapter was built from.
func (a *Adapter) Definition() Definition {
	return a.def
}

// Render builds the job spec for item.
func (a *Adapter) Render(item workitem.Item) (job.Spec, error) {
	data := ScriptData{
		Item:      item,
		Stage:     a.def.Name,
		JobName:   fmt.Sprintf("%s-%s", a.def.Name, item.Name),
		Resources: a.def.Resources,
		Params:    a.params,
	}

	var buf bytes.Buffer
	if err := a.workDir.Execute(&buf, data); err != nil {
		return job.Spec{}, fmt.Errorf("stage %s: render workdir for %s: %w", a.def.Name, item, err)
	}
	data.WorkDir = buf.String()

	buf.Reset()
	if err := a.script.Execute(&buf, data); err != nil {
		return job.Spec{}, fmt.Errorf("stage %s: render script for %s: %w", a.def.Name, item, err)
	}

	return job.Spec{
		Name:      data.JobName,
		WorkDir:   data.WorkDir,
		Script:    buf.String(),
		Resources: a.def.Resources,
	}, nil
}

// Launch renders and submits the job for item. Render and submission
// errors produce a rejected handle.
func (a *Adapter) Launch(ctx context.Context, item workitem.Item) *job.Handle {
	spec, err := a.Render(item)
	if err != nil {
		return job.Rejected(item, sdkerrors.NewSubmissionError(item.Name, err), a.handleOpts...)
	}
	id, err := a.scheduler.Submit(ctx, spec)
	if err != nil {
		a.logger.Warn("Scheduler rejected job",
			zap.String("stage", a.def.Name),
			zap.String("item", item.Name),
			zap.Error(err))
		return job.Rejected(item, sdkerrors.NewSubmissionError(item.Name, err), a.handleOpts...)
	}
	a.logger.Debug("Submitted job",
		zap.String("stage", a.def.Name),
		zap.String("item", item.Name),
		zap.String("jobID", id),
		zap.String("workdir", spec.WorkDir))
	return job.Submitted(id, item, a.scheduler, a.handleOpts...)
}

// Reattach resumes tracking a job submitted by an earlier run.
func (a *Adapter) Reattach(_ context.Context, item workitem.Item, jobID string) *job.Handle {
	return job.Attach(jobID, item, a.scheduler, a.handleOpts...)
}

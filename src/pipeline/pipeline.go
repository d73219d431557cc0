// Package pipeline sequences the build: Registry → Manifest → Config →
// Context → Build → Tag. Every step transition is checkpointed; resume
// skips a step only when its content-addressed input hash matches the
// checkpointed one and the step previously succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bundleforge/bundleforge/src/engine"
	"github.com/bundleforge/bundleforge/src/manifest"
	"github.com/bundleforge/bundleforge/src/module"
	"github.com/bundleforge/bundleforge/src/stage"
	"github.com/bundleforge/bundleforge/src/synth"
	"github.com/google/uuid"
)

// State is the whole-pipeline state machine:
// Idle → Running → {Completed | Failed | Aborted}.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Step names, in execution order.
const (
	StepRegistry = "registry"
	StepManifest = "manifest"
	StepConfig   = "config"
	StepContext  = "context"
	StepBuild    = "build"
	StepTag      = "tag"
)

// ErrAborted marks a pipeline ended by an external cancellation signal.
var ErrAborted = errors.New("pipeline aborted")

// Options configure one pipeline invocation.
type Options struct {
	SourceRoots []string
	Environment synth.Environment

	ImageName string   // repository part of the output reference
	Tags      []string // first tag is primary; defaults to "latest"
	BaseImage string
	Labels    map[string]string

	StateDir string // checkpoints, artifacts, staged contexts, locks

	DryRun           bool
	Resume           bool
	RetainContext    bool
	RetainCheckpoint bool
}

// PrimaryRef is the image reference the Build step tags.
func (o Options) PrimaryRef() string {
	tags := o.Tags
	if len(tags) == 0 {
		tags = []string{"latest"}
	}
	return o.ImageName + ":" + tags[0]
}

func (o Options) extraRefs() []string {
	var out []string
	for i, t := range o.Tags {
		if i == 0 {
			continue
		}
		out = append(out, o.ImageName+":"+t)
	}
	return out
}

// Report is the run summary handed back to the caller.
type Report struct {
	PipelineID string
	State      State
	Steps      []StepState
	Manifest   *manifest.Manifest
	Result     *engine.BuildResult
	Failure    *engine.BuildFailure
	Warnings   []string
	Tags       []string
	// ContextDir is set when the staging directory was retained.
	ContextDir string
}

// Orchestrator drives one pipeline run. Values are not shared across runs.
type Orchestrator struct {
	registry    *module.Registry
	synthesizer synth.Synthesizer
	client      engine.Client
	opts        Options
	store       *Store
	observers   []Observer
	progress    engine.Observer
}

// New wires an orchestrator. A nil synthesizer gets the default YAML
// renderer; a nil registry gets defaults.
func New(client engine.Client, synthesizer synth.Synthesizer, opts Options) *Orchestrator {
	if synthesizer == nil {
		synthesizer = synth.YAML{}
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(os.TempDir(), "bundleforge-state")
	}
	return &Orchestrator{
		registry:    &module.Registry{},
		synthesizer: synthesizer,
		client:      client,
		opts:        opts,
		store:       &Store{Dir: filepath.Join(opts.StateDir, "checkpoints")},
	}
}

// AddObserver appends a lifecycle observer. Order of registration is order
// of notification.
func (o *Orchestrator) AddObserver(obs Observer) {
	if obs != nil {
		o.observers = append(o.observers, obs)
	}
}

// SetProgressObserver routes engine progress events (the Build step's
// telemetry stream) to obs.
func (o *Orchestrator) SetProgressObserver(obs engine.Observer) {
	o.progress = obs
}

func (o *Orchestrator) notify(e Event) {
	for _, obs := range o.observers {
		obs.OnPipelineEvent(e)
	}
}

// runState carries the artifacts flowing between steps of one invocation.
// Nothing here is shared across invocations; steps communicate only
// through these immutable values.
type runState struct {
	modules       []module.Module
	modulesJSON   []byte
	man           *manifest.Manifest
	manifestBytes []byte
	doc           synth.Document
	descriptor    []byte
	bctx          *stage.Context
	contextFresh  bool // assembled by this invocation (rollback candidate)
	imageID       string
	result        *engine.BuildResult
	failure       *engine.BuildFailure
	buildFailed   bool
	warnings      []string
}

// stepDef is one pipeline step: a lazy input hash, the work, and an
// optional artifact restorer used when the step is skipped on resume.
type stepDef struct {
	name    string
	hash    func(rs *runState) string
	run     func(ctx context.Context, rs *runState) (artifactRef string, err error)
	restore func(rs *runState, artifactRef string) error
}

// Run executes the pipeline once. The returned error is nil only for
// StateCompleted. A BuildFailure is returned both in the report and as
// the error (it implements error); cancellation returns ErrAborted.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{State: StateIdle}

	lock, err := AcquireImageLock(ctx, o.opts.StateDir, o.opts.ImageName)
	if err != nil {
		return report, err
	}
	defer lock.Release()

	prior, err := o.loadPrior()
	if err != nil {
		return report, err
	}

	cp := &Checkpoint{ImageName: o.opts.ImageName}
	if prior != nil {
		cp.PipelineID = prior.PipelineID
		cp.CreatedAt = prior.CreatedAt
	} else {
		cp.PipelineID = uuid.NewString()
	}
	report.PipelineID = cp.PipelineID

	steps := o.steps()
	for _, def := range steps {
		cp.SetStep(def.name, StatusPending, "", "")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	if err := o.store.Save(cp); err != nil {
		return report, fmt.Errorf("persisting checkpoint: %w", err)
	}

	report.State = StateRunning
	o.notify(Event{Kind: EventPipelineStarted, PipelineID: cp.PipelineID, State: StateRunning})

	rs := &runState{}
	mismatch := false

	for _, def := range steps {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, report, cp, rs, StateAborted, ErrAborted)
		}

		inputHash := def.hash(rs)

		// Resume: skip iff the prior run succeeded with the same inputs
		// and the artifact can still be restored. Any mismatch forces
		// this step and everything after it to re-run.
		if prior != nil && !mismatch {
			if ps := prior.Step(def.name); ps != nil && ps.Status == StatusSucceeded && ps.InputHash == inputHash && def.restore != nil {
				if err := def.restore(rs, ps.ArtifactRef); err == nil {
					cp.SetStep(def.name, StatusSkipped, inputHash, ps.ArtifactRef)
					if err := o.store.Save(cp); err != nil {
						return report, fmt.Errorf("persisting checkpoint: %w", err)
					}
					o.notify(Event{Kind: EventStepFinished, PipelineID: cp.PipelineID, Step: def.name, Status: StatusSkipped})
					continue
				}
				// Restore failure is a resume mismatch, not an abort.
				mismatch = true
			} else {
				mismatch = true
			}
		}

		cp.SetStep(def.name, StatusRunning, inputHash, "")
		if err := o.store.Save(cp); err != nil {
			return report, fmt.Errorf("persisting checkpoint: %w", err)
		}
		o.notify(Event{Kind: EventStepStarted, PipelineID: cp.PipelineID, Step: def.name})

		artifactRef, err := def.run(ctx, rs)
		if err != nil {
			cp.SetStep(def.name, StatusFailed, inputHash, "")
			if saveErr := o.store.Save(cp); saveErr != nil {
				err = errors.Join(err, saveErr)
			}
			o.notify(Event{Kind: EventStepFinished, PipelineID: cp.PipelineID, Step: def.name, Status: StatusFailed, Err: err})

			final := StateFailed
			if ctx.Err() != nil {
				final = StateAborted
				err = ErrAborted
			}
			return o.finish(ctx, report, cp, rs, final, err)
		}

		cp.SetStep(def.name, stepOutcome(def.name, o.opts.DryRun), inputHash, artifactRef)
		if err := o.store.Save(cp); err != nil {
			return report, fmt.Errorf("persisting checkpoint: %w", err)
		}
		o.notify(Event{Kind: EventStepFinished, PipelineID: cp.PipelineID, Step: def.name, Status: cp.Step(def.name).Status})
	}

	return o.finish(ctx, report, cp, rs, StateCompleted, nil)
}

// stepOutcome: dry-run records Build and Tag as Skipped so a later real
// run never mistakes the no-op for a produced image.
func stepOutcome(name string, dryRun bool) StepStatus {
	if dryRun && (name == StepBuild || name == StepTag) {
		return StatusSkipped
	}
	return StatusSucceeded
}

// finish handles terminal bookkeeping: rollback, checkpoint retention,
// report assembly.
func (o *Orchestrator) finish(ctx context.Context, report *Report, cp *Checkpoint, rs *runState, final State, err error) (*Report, error) {
	report.State = final
	report.Steps = append([]StepState(nil), cp.StepStates...)
	report.Manifest = rs.man
	report.Warnings = rs.warnings
	report.Failure = rs.failure
	if rs.result != nil {
		report.Result = rs.result
	} else if rs.imageID != "" || (o.opts.DryRun && final == StateCompleted) {
		report.Result = &engine.BuildResult{ImageID: rs.imageID}
	}

	switch final {
	case StateCompleted:
		if rs.bctx != nil && !o.opts.RetainContext {
			rs.bctx.Remove()
		} else if rs.bctx != nil {
			report.ContextDir = rs.bctx.RootPath
		}
		if !o.opts.RetainCheckpoint {
			if derr := o.store.Delete(o.opts.ImageName); derr != nil {
				err = errors.Join(err, derr)
			}
		}
		report.Tags = append([]string{o.opts.PrimaryRef()}, o.opts.extraRefs()...)
		if o.opts.DryRun {
			report.Tags = nil
		}
	case StateFailed, StateAborted:
		o.rollback(rs)
		if rs.bctx != nil && o.opts.RetainContext {
			report.ContextDir = rs.bctx.RootPath
		}
	}

	o.notify(Event{Kind: EventPipelineFinished, PipelineID: cp.PipelineID, State: final, Err: err})
	return report, err
}

// rollback deletes the staging context assembled by this invocation and
// instructs the engine to discard partial images from a build this
// invocation ran. Artifacts skipped or succeeded in a prior run are never
// rolled back.
func (o *Orchestrator) rollback(rs *runState) {
	if rs.bctx != nil && rs.contextFresh && !o.opts.RetainContext {
		rs.bctx.Remove()
	}
	if rs.buildFailed && o.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = o.client.Discard(ctx, o.opts.PrimaryRef())
	}
}

func (o *Orchestrator) loadPrior() (*Checkpoint, error) {
	if !o.opts.Resume {
		return nil, nil
	}
	prior, err := o.store.Load(o.opts.ImageName)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return prior, nil
}

func (o *Orchestrator) artifactsDir() string {
	return filepath.Join(o.opts.StateDir, "artifacts")
}

// writeArtifact persists step output content-addressed under the state dir
// and returns its path as the artifact ref.
func (o *Orchestrator) writeArtifact(name string, data []byte) (string, error) {
	dir := o.artifactsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, hashBytes(data)[:16]+"-"+name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

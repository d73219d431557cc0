package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bundleforge/bundleforge/src/engine"
	"github.com/bundleforge/bundleforge/src/stage"
)

// fakeClient is an in-memory engine backend for orchestrator tests.
type fakeClient struct {
	mu        sync.Mutex
	builds    int
	tags      []string
	discarded []string
	failWith  *engine.BuildFailure
	blockCtx  bool // respect ctx cancellation during build
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Build(ctx context.Context, bc *stage.Context, tag string, obs engine.Observer) (*engine.BuildResult, *engine.BuildFailure) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()

	if f.blockCtx {
		<-ctx.Done()
		return nil, engine.NewFailure(0, "", "build canceled")
	}
	if obs != nil {
		obs.OnProgress(engine.ProgressEvent{Kind: engine.EventStep, StepIndex: 1, TotalSteps: 1, Message: "FROM"})
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &engine.BuildResult{ImageID: "sha256:deadbeef", DurationMillis: 5}, nil
}

func (f *fakeClient) Tag(ctx context.Context, imageRef, newRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, newRef)
	return nil
}

func (f *fakeClient) Discard(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, tag)
	return nil
}

func (f *fakeClient) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func writeModuleTree(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"tools/summarize/module.yaml":        "name: summarize\nversion: 1.0.0\n",
		"tools/summarize/summarize.py":       "def run(): pass\n",
		"connectors/postgres/connector.yaml": "name: postgres\ntype: database\n",
		"connectors/postgres/postgres.py":    "class Connector: pass\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testOptions(t *testing.T, root string) Options {
	t.Helper()
	return Options{
		SourceRoots: []string{root},
		ImageName:   "bundle/server",
		Tags:        []string{"1.0.0", "latest"},
		BaseImage:   "python:3.12-slim",
		StateDir:    t.TempDir(),
	}
}

func TestRunCompletes(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{}
	opts := testOptions(t, root)

	orch := New(client, nil, opts)
	var events []Event
	orch.AddObserver(ObserverFunc(func(e Event) { events = append(events, e) }))

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if client.buildCount() != 1 {
		t.Errorf("builds = %d, want 1", client.buildCount())
	}
	if report.Result == nil || report.Result.ImageID != "sha256:deadbeef" {
		t.Errorf("result = %+v", report.Result)
	}
	if report.Manifest == nil || report.Manifest.Count() != 2 {
		t.Errorf("manifest = %+v", report.Manifest)
	}
	if len(report.Tags) != 2 || report.Tags[0] != "bundle/server:1.0.0" {
		t.Errorf("tags = %v", report.Tags)
	}
	if len(client.tags) != 1 || client.tags[0] != "bundle/server:latest" {
		t.Errorf("extra refs tagged = %v", client.tags)
	}

	// All six steps succeeded.
	if len(report.Steps) != 6 {
		t.Fatalf("steps = %d", len(report.Steps))
	}
	for _, s := range report.Steps {
		if s.Status != StatusSucceeded {
			t.Errorf("step %s = %s", s.Name, s.Status)
		}
	}

	// Lifecycle events bracket the run.
	if len(events) < 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Kind != EventPipelineStarted || events[len(events)-1].Kind != EventPipelineFinished {
		t.Errorf("event bracket = %s .. %s", events[0].Kind, events[len(events)-1].Kind)
	}

	// Checkpoint removed after success.
	store := &Store{Dir: filepath.Join(opts.StateDir, "checkpoints")}
	cp, err := store.Load(opts.ImageName)
	if err != nil || cp != nil {
		t.Errorf("checkpoint after success = %v, %v", cp, err)
	}

	// Context removed after success.
	if report.ContextDir != "" {
		t.Errorf("context retained unexpectedly: %s", report.ContextDir)
	}
}

func TestRunDryRun(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{}
	opts := testOptions(t, root)
	opts.DryRun = true

	report, err := New(client, nil, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if client.buildCount() != 0 {
		t.Errorf("dry run invoked the engine %d time(s)", client.buildCount())
	}
	if report.Result == nil || report.Result.ImageID != "" {
		t.Errorf("dry run result = %+v, want empty image id", report.Result)
	}
	if len(client.tags) != 0 {
		t.Errorf("dry run tagged refs: %v", client.tags)
	}

	// Build and Tag record Skipped, never Succeeded.
	byName := map[string]StepStatus{}
	for _, s := range report.Steps {
		byName[s.Name] = s.Status
	}
	if byName[StepBuild] != StatusSkipped || byName[StepTag] != StatusSkipped {
		t.Errorf("build/tag = %s/%s, want skipped", byName[StepBuild], byName[StepTag])
	}
	if byName[StepRegistry] != StatusSucceeded {
		t.Errorf("registry = %s", byName[StepRegistry])
	}
}

func TestRunBuildFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	failure := engine.NewFailure(2, "RUN", "no space left on device")
	client := &fakeClient{failWith: failure}
	opts := testOptions(t, root)

	report, err := New(client, nil, opts).Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	var bf *engine.BuildFailure
	if !errors.As(err, &bf) {
		t.Fatalf("error type %T", err)
	}
	if report.State != StateFailed {
		t.Errorf("state = %s", report.State)
	}
	if report.Failure == nil || report.Failure.Category != engine.CategoryDiskSpace {
		t.Errorf("failure = %+v", report.Failure)
	}

	// Partial image discarded, fresh context removed.
	if len(client.discarded) != 1 || client.discarded[0] != "bundle/server:1.0.0" {
		t.Errorf("discarded = %v", client.discarded)
	}
	entries, _ := os.ReadDir(filepath.Join(opts.StateDir, "contexts"))
	if len(entries) != 0 {
		t.Errorf("context left behind: %v", entries)
	}

	// Checkpoint retained for resume.
	store := &Store{Dir: filepath.Join(opts.StateDir, "checkpoints")}
	cp, err := store.Load(opts.ImageName)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint after failure = %v, %v", cp, err)
	}
	if cp.Step(StepBuild).Status != StatusFailed {
		t.Errorf("build step = %s", cp.Step(StepBuild).Status)
	}
}

func TestRunAborted(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{blockCtx: true}
	opts := testOptions(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var report *Report
	var runErr error
	orch := New(client, nil, opts)
	orch.AddObserver(ObserverFunc(func(e Event) {
		// Cancel while the build step is running.
		if e.Kind == EventStepStarted && e.Step == StepBuild {
			cancel()
		}
	}))
	go func() {
		report, runErr = orch.Run(ctx)
		close(done)
	}()
	<-done
	cancel()

	if !errors.Is(runErr, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", runErr)
	}
	if report.State != StateAborted {
		t.Errorf("state = %s", report.State)
	}
}

func TestRunResumeSkipsUnchangedSteps(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{}
	opts := testOptions(t, root)
	opts.RetainCheckpoint = true
	opts.RetainContext = true

	if _, err := New(client, nil, opts).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if client.buildCount() != 1 {
		t.Fatalf("builds after first run = %d", client.buildCount())
	}

	opts.Resume = true
	report, err := New(client, nil, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if client.buildCount() != 1 {
		t.Errorf("resume re-ran the build (%d builds)", client.buildCount())
	}
	for _, s := range report.Steps {
		if s.Status != StatusSkipped {
			t.Errorf("step %s = %s, want skipped", s.Name, s.Status)
		}
	}
}

func TestRunResumeRerunsOnChangedInput(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{}
	opts := testOptions(t, root)
	opts.RetainCheckpoint = true
	opts.RetainContext = true

	if _, err := New(client, nil, opts).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Change a module source: registry inputs differ, so everything from
	// the registry step onward re-runs.
	path := filepath.Join(root, "tools", "summarize", "summarize.py")
	if err := os.WriteFile(path, []byte("def run(): return 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts.Resume = true
	report, err := New(client, nil, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if client.buildCount() != 2 {
		t.Errorf("builds = %d, want 2", client.buildCount())
	}
	for _, s := range report.Steps {
		if s.Status != StatusSucceeded {
			t.Errorf("step %s = %s, want succeeded", s.Name, s.Status)
		}
	}
}

func TestRunWithoutResumeIgnoresCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeModuleTree(t, root)
	client := &fakeClient{}
	opts := testOptions(t, root)
	opts.RetainCheckpoint = true

	if _, err := New(client, nil, opts).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := New(client, nil, opts).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if client.buildCount() != 2 {
		t.Errorf("builds = %d, want 2 (no --resume means full re-run)", client.buildCount())
	}
}

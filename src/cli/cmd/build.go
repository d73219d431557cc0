package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bundleforge/bundleforge/src/engine"
	"github.com/bundleforge/bundleforge/src/gitver"
	"github.com/bundleforge/bundleforge/src/output"
	"github.com/bundleforge/bundleforge/src/pipeline"
	"github.com/bundleforge/bundleforge/src/synth"
	"github.com/spf13/cobra"
)

var (
	bDryRun           bool
	bResume           bool
	bRetainContext    bool
	bRetainCheckpoint bool
	bTags             []string
	bImage            string
	bEngine           string
	bEnvironment      string
	bProgressFile     string
)

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Assemble modules and build the bundle image",
	Long: `Discover tool and connector modules, assemble them into a build
context, and build the bundle server image.

Progress events stream as JSONL to stdout (or --progress-file); human
output goes to stderr. Every step transition is checkpointed so an
interrupted run can be resumed with --resume.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&bDryRun, "dry-run", false, "run through the build step without invoking the engine")
	buildCmd.Flags().BoolVar(&bResume, "resume", false, "resume from the last checkpoint when inputs are unchanged")
	buildCmd.Flags().BoolVar(&bRetainContext, "retain-context", false, "keep the staged build context after the run")
	buildCmd.Flags().BoolVar(&bRetainCheckpoint, "retain-checkpoint", false, "keep the checkpoint after a successful run")
	buildCmd.Flags().StringSliceVar(&bTags, "tag", nil, "override tag templates")
	buildCmd.Flags().StringVar(&bImage, "image", "", "override output image name")
	buildCmd.Flags().StringVar(&bEngine, "engine", "", "override build engine")
	buildCmd.Flags().StringVar(&bEnvironment, "env", "", "override runtime environment name")
	buildCmd.Flags().StringVar(&bProgressFile, "progress-file", "", "write JSONL progress events to a file instead of stdout")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	rootDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if len(args) > 0 {
		rootDir = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color := output.UseColor()
	w := os.Stderr

	imageName := cfg.Image.Name
	if bImage != "" {
		imageName = bImage
	}
	if imageName == "" {
		return fmt.Errorf("image name is required (image.name in config or --image)")
	}

	engineName := cfg.Image.Engine
	if bEngine != "" {
		engineName = bEngine
	}
	client, err := engine.Get(engineName)
	if err != nil {
		return err
	}

	// Resolve tag templates against git metadata.
	vi := gitver.Detect(rootDir)
	templates := cfg.Image.Tags
	if len(bTags) > 0 {
		templates = bTags
	}
	tags := gitver.ResolveTags(templates, vi)
	if len(tags) == 0 {
		tags = []string{"latest"}
	}

	envName := cfg.Synth.Environment
	if bEnvironment != "" {
		envName = bEnvironment
	}

	opts := pipeline.Options{
		SourceRoots: resolveRoots(rootDir, cfg.Sources.Roots),
		Environment: synth.Environment{
			Name:      envName,
			Variables: cfg.Synth.Variables,
			LogLevel:  cfg.Synth.LogLevel,
		},
		ImageName:        imageName,
		Tags:             tags,
		BaseImage:        cfg.Image.BaseImage,
		Labels:           cfg.Image.Labels,
		StateDir:         cfg.Pipeline.StateDir,
		DryRun:           bDryRun,
		Resume:           bResume,
		RetainContext:    bRetainContext || cfg.Pipeline.RetainContext,
		RetainCheckpoint: bRetainCheckpoint || cfg.Pipeline.RetainCheckpoint,
	}

	orch := pipeline.New(client, nil, opts)

	// Machine-facing progress stream: JSONL to --progress-file or stdout.
	progressW, closeProgress, err := progressWriter()
	if err != nil {
		return err
	}
	defer closeProgress()
	orch.SetProgressObserver(engine.NewSink(progressW))

	output.ContextBlock(w, buildContextKV(opts, engineName, vi))

	output.SectionStart(w, "bf_pipeline", "Pipeline")
	sec := output.NewSection(w, "Pipeline", 0, color)
	stepStarts := make(map[string]time.Time)
	orch.AddObserver(pipeline.ObserverFunc(func(e pipeline.Event) {
		switch e.Kind {
		case pipeline.EventStepStarted:
			stepStarts[e.Step] = time.Now()
		case pipeline.EventStepFinished:
			detail := ""
			if started, ok := stepStarts[e.Step]; ok {
				detail = output.Dimmed(formatStepElapsed(time.Since(started)), color)
			}
			if e.Err != nil {
				detail = e.Err.Error()
			}
			output.StepRow(w, e.Step, string(e.Status), detail, color)
		}
	}))

	start := time.Now()
	report, runErr := orch.Run(ctx)
	sec.Close()
	output.SectionEnd(w, "bf_pipeline")

	renderReport(w, report, time.Since(start), color)
	return runErr
}

func progressWriter() (io.Writer, func(), error) {
	path := bProgressFile
	if path == "" {
		path = cfg.Pipeline.ProgressFile
	}
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening progress file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func resolveRoots(rootDir string, roots []string) []string {
	if len(roots) == 0 {
		return []string{rootDir}
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if filepath.IsAbs(r) {
			out = append(out, r)
		} else {
			out = append(out, filepath.Join(rootDir, r))
		}
	}
	return out
}

func buildContextKV(opts pipeline.Options, engineName string, vi *gitver.Info) []output.KV {
	kv := []output.KV{
		{Key: "Image", Value: opts.PrimaryRef()},
		{Key: "Engine", Value: engineName},
		{Key: "Base", Value: opts.BaseImage},
		{Key: "Env", Value: opts.Environment.Name},
	}
	if vi != nil {
		kv = append(kv,
			output.KV{Key: "Version", Value: vi.Version},
			output.KV{Key: "Commit", Value: vi.SHA})
	}
	if opts.DryRun {
		kv = append(kv, output.KV{Key: "Mode", Value: "dry-run"})
	}
	return kv
}

func renderReport(w io.Writer, report *pipeline.Report, elapsed time.Duration, color bool) {
	if report == nil {
		return
	}

	output.Warnings(w, report.Warnings, color)

	if report.Failure != nil {
		output.Failure(w, string(report.Failure.Category), report.Failure.RawError, report.Failure.Suggestions, color)
	}

	sec := output.NewSection(w, "Summary", elapsed, color)
	if report.Manifest != nil {
		sec.Row("%-12s%d tool(s), %d connector(s)", "modules",
			len(report.Manifest.Tools), len(report.Manifest.Connectors))
	}
	for _, tag := range report.Tags {
		sec.Row("%-12s%s", "tag", tag)
	}
	if report.Result != nil && report.Result.ImageID != "" {
		sec.Row("%-12s%s", "image", report.Result.ImageID)
	}
	if report.ContextDir != "" {
		sec.Row("%-12s%s", "context", report.ContextDir)
	}
	sec.Separator()
	sec.Row("%s  %s", output.StatusIcon(string(report.State), color), string(report.State))
	sec.Close()
}

func formatStepElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

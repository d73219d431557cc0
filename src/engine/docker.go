package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/bundleforge/bundleforge/src/stage"
)

func init() {
	Register("docker", func() Client { return &dockerClient{} })
}

// EndpointEnv is the single environment variable the engine reads its
// backend endpoint from (a unix socket path or host URL).
const EndpointEnv = "BUNDLEFORGE_ENGINE_HOST"

// Endpoint resolves the backend endpoint: $BUNDLEFORGE_ENGINE_HOST if set,
// otherwise the platform default daemon socket.
func Endpoint() string {
	if v := os.Getenv(EndpointEnv); v != "" {
		return v
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// dockerClient drives docker buildx with plain progress output and parses
// the stream into ProgressEvents.
type dockerClient struct{}

func (d *dockerClient) Name() string { return "docker" }

func (d *dockerClient) Build(ctx context.Context, bc *stage.Context, tag string, obs Observer) (*BuildResult, *BuildFailure) {
	start := time.Now()
	parser := NewStreamParser()

	args := []string{
		"buildx", "build",
		"--file", bc.DescriptorPath,
		"--tag", tag,
		"--load",
		"--progress", "plain",
		bc.RootPath,
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = append(os.Environ(), "DOCKER_HOST="+Endpoint())

	// buildx writes plain progress to stderr.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewFailure(0, "", fmt.Sprintf("attaching to engine output: %v", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, NewFailure(0, "", fmt.Sprintf("starting engine: %v", err))
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ev := parser.Line(scanner.Text()); ev != nil && obs != nil {
			obs.OnProgress(*ev)
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// Cooperative cancellation: the process was killed mid-build.
		// Discard whatever partial state the daemon holds and return
		// promptly rather than letting the build finish in the background.
		d.discardQuiet(tag)
		step, instr := parser.FailurePosition()
		return nil, NewFailure(step, instr, "build canceled: "+ctx.Err().Error())
	}

	if waitErr != nil {
		raw := parser.ErrorText()
		if raw == "" {
			raw = waitErr.Error()
		}
		step, instr := parser.FailurePosition()
		// Contract: no tagged or partial image survives a failed build.
		d.discardQuiet(tag)
		return nil, NewFailure(step, instr, raw)
	}

	imageID, err := d.imageID(ctx, tag)
	if err != nil {
		d.discardQuiet(tag)
		return nil, NewFailure(parser.totalSteps, "", fmt.Sprintf("resolving built image id: %v", err))
	}

	if obs != nil {
		obs.OnProgress(*parser.Complete("image " + imageID))
	}
	return &BuildResult{
		ImageID:        imageID,
		DurationMillis: time.Since(start).Milliseconds(),
	}, nil
}

// Tag applies an additional reference via docker tag.
func (d *dockerClient) Tag(ctx context.Context, imageRef, newRef string) error {
	cmd := exec.CommandContext(ctx, "docker", "tag", imageRef, newRef)
	cmd.Env = append(os.Environ(), "DOCKER_HOST="+Endpoint())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tagging %s as %s: %v: %s", imageRef, newRef, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Discard removes a tagged image and dangling build leftovers. A missing
// image is not an error.
func (d *dockerClient) Discard(ctx context.Context, tag string) error {
	cmd := exec.CommandContext(ctx, "docker", "image", "rm", "--force", tag)
	cmd.Env = append(os.Environ(), "DOCKER_HOST="+Endpoint())
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.ToLower(string(out))
		if strings.Contains(text, "no such image") {
			return nil
		}
		return fmt.Errorf("discarding image %s: %v: %s", tag, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// discardQuiet is rollback on a path that already has an error to report.
func (d *dockerClient) discardQuiet(tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.Discard(ctx, tag)
}

func (d *dockerClient) imageID(ctx context.Context, tag string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", "--format", "{{.Id}}", tag)
	cmd.Env = append(os.Environ(), "DOCKER_HOST="+Endpoint())
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	id := strings.TrimSpace(out.String())
	if id == "" {
		return "", fmt.Errorf("daemon returned empty image id for %s", tag)
	}
	return id, nil
}

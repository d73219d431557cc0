// Package engine abstracts the container-image build backend. The pipeline
// talks to a Client and never to a concrete engine wire protocol; engines
// self-register by name so backends stay swappable through configuration.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bundleforge/bundleforge/src/stage"
)

// EventKind classifies one line of build telemetry.
type EventKind string

const (
	EventStep     EventKind = "step"
	EventDownload EventKind = "download"
	EventOutput   EventKind = "output"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// ProgressEvent is one line of build telemetry. Events for a single build
// form a finite, ordered, non-restartable sequence.
type ProgressEvent struct {
	Kind          EventKind `json:"kind"`
	StepIndex     int       `json:"step_index,omitempty"`
	TotalSteps    int       `json:"total_steps,omitempty"`
	Message       string    `json:"message"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// BuildResult is the successful terminal outcome of one build call.
type BuildResult struct {
	ImageID        string `json:"image_id"`
	DurationMillis int64  `json:"duration_ms"`
}

// BuildFailure is the failed terminal outcome, categorized best-effort
// from the backend's raw error text.
type BuildFailure struct {
	FailedStepIndex   int      `json:"failed_step_index"`
	FailedInstruction string   `json:"failed_instruction,omitempty"`
	RawError          string   `json:"raw_error"`
	Category          Category `json:"category"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

func (f *BuildFailure) Error() string {
	return fmt.Sprintf("build failed at step %d (%s): %s", f.FailedStepIndex, f.Category, f.RawError)
}

// Observer receives progress events synchronously, in backend emission
// order. A slow observer slows the current build but must not be able to
// stall anything else; implementations may hand off to channels internally.
type Observer interface {
	OnProgress(ProgressEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ProgressEvent)

func (f ObserverFunc) OnProgress(e ProgressEvent) { f(e) }

// Client is the abstract image-build backend.
//
// Build returns exactly one non-nil of (BuildResult, BuildFailure). On
// failure or cancellation the client removes the tagged image and any
// partial artifacts before returning; rollback is part of this contract,
// not only the orchestrator's.
type Client interface {
	Name() string
	Build(ctx context.Context, bc *stage.Context, tag string, obs Observer) (*BuildResult, *BuildFailure)
	// Tag applies an additional reference to an already-built image.
	Tag(ctx context.Context, imageRef, newRef string) error
	// Discard removes a tagged or partial image left by an earlier attempt.
	// Discarding an image that does not exist is not an error.
	Discard(ctx context.Context, tag string) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Client{}
)

// Register adds an engine constructor. Called from init() in each
// engine implementation.
func Register(name string, constructor func() Client) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("engine: duplicate registration: %s", name))
	}
	registry[name] = constructor
}

// Get returns a new instance of the named engine.
func Get(name string) (Client, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown engine: %s", name)
	}
	return ctor(), nil
}

// All returns the sorted names of registered engines.
func All() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

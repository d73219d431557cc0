package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepStatus is the per-step state machine:
// Pending → Running → {Succeeded | Failed | Skipped}.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status ends a step.
func (s StepStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// StepState is one step's checkpointed state.
type StepState struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	InputHash   string     `json:"input_hash,omitempty"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Checkpoint is the persisted pipeline state, written after every step
// transition and read back on resume. Deleted on successful completion
// unless retention is requested.
type Checkpoint struct {
	PipelineID string      `json:"pipeline_id"`
	ImageName  string      `json:"image_name"`
	StepStates []StepState `json:"step_states"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Step returns the state for a named step, or nil.
func (c *Checkpoint) Step(name string) *StepState {
	for i := range c.StepStates {
		if c.StepStates[i].Name == name {
			return &c.StepStates[i]
		}
	}
	return nil
}

// SetStep records a step transition.
func (c *Checkpoint) SetStep(name string, status StepStatus, inputHash, artifactRef string) {
	now := time.Now().UTC()
	c.UpdatedAt = now
	if s := c.Step(name); s != nil {
		s.Status = status
		s.InputHash = inputHash
		s.ArtifactRef = artifactRef
		s.UpdatedAt = now
		return
	}
	c.StepStates = append(c.StepStates, StepState{
		Name:        name,
		Status:      status,
		InputHash:   inputHash,
		ArtifactRef: artifactRef,
		UpdatedAt:   now,
	})
}

// Store persists checkpoints as JSON files under <dir>, one per image name.
// Writes go through a temp file and an atomic rename so the file stays
// valid JSON even if the process dies mid-write.
type Store struct {
	Dir string
}

// Path returns the checkpoint file for an image name.
func (s *Store) Path(imageName string) string {
	return filepath.Join(s.Dir, sanitizeName(imageName)+".json")
}

// Load reads the checkpoint for an image. Returns (nil, nil) when none exists.
func (s *Store) Load(imageName string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(imageName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return &c, nil
}

// Save writes the checkpoint atomically.
func (s *Store) Save(c *Checkpoint) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}

	final := s.Path(c.ImageName)
	tmp, err := os.CreateTemp(s.Dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, final)
}

// Delete removes the checkpoint for an image.
func (s *Store) Delete(imageName string) error {
	err := os.Remove(s.Path(imageName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// sanitizeName turns an image reference into a filesystem-safe name.
func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", " ", "_")
	return r.Replace(name)
}
